package telephony

import (
	"bytes"
	"encoding/xml"
	"sort"
)

// Response is a minimal Twilio Markup Language builder. It covers only the
// verbs the pipeline emits.
type Response struct {
	verbs []any
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlPlay struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL    string           `xml:"url,attr"`
	Params []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlGather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr"`
	Method        string   `xml:"method,attr,omitempty"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	Timeout       int      `xml:"timeout,attr,omitempty"`
	Language      string   `xml:"language,attr,omitempty"`
	Verbs         []any    `xml:",any"`
}

// Gather configures a speech-gather step. Prompt verbs play inside it.
type Gather struct {
	Action        string
	SpeechTimeout string
	Timeout       int
	Language      string
	Prompt        *Response
}

func NewResponse() *Response { return &Response{} }

func (r *Response) Say(text string) *Response {
	r.verbs = append(r.verbs, twimlSay{Text: text})
	return r
}

func (r *Response) Play(url string) *Response {
	r.verbs = append(r.verbs, twimlPlay{URL: url})
	return r
}

func (r *Response) Pause(seconds int) *Response {
	r.verbs = append(r.verbs, twimlPause{Length: seconds})
	return r
}

func (r *Response) Hangup() *Response {
	r.verbs = append(r.verbs, twimlHangup{})
	return r
}

// ConnectStream bridges the call to a bidirectional media stream. Params are
// emitted in key order.
func (r *Response) ConnectStream(url string, params map[string]string) *Response {
	s := twimlStream{URL: url}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.Params = append(s.Params, twimlParameter{Name: k, Value: params[k]})
	}
	r.verbs = append(r.verbs, twimlConnect{Stream: s})
	return r
}

// Gather listens for speech and posts the result to g.Action.
func (r *Response) Gather(g Gather) *Response {
	el := twimlGather{
		Input:         "speech",
		Action:        g.Action,
		Method:        "POST",
		SpeechTimeout: g.SpeechTimeout,
		Timeout:       g.Timeout,
		Language:      g.Language,
	}
	if el.SpeechTimeout == "" {
		el.SpeechTimeout = "auto"
	}
	if g.Prompt != nil {
		el.Verbs = g.Prompt.verbs
	}
	r.verbs = append(r.verbs, el)
	return r
}

// Render returns the TwiML document.
func (r *Response) Render() (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(twimlResponse{Verbs: r.verbs}); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// MustRender is Render for responses built from static verbs.
func (r *Response) MustRender() string {
	s, err := r.Render()
	if err != nil {
		panic(err)
	}
	return s
}
