package conversation

import (
	"fmt"
	"strings"
)

// SystemPrompt seeds the transcript once per call.
func SystemPrompt(cc CallContext) string {
	var b strings.Builder
	b.WriteString("You are a polite collections assistant calling on behalf of the creditor. ")
	b.WriteString("Keep every reply under three sentences, never threaten, and offer to arrange a payment plan when the customer cannot pay in full. ")
	if cc.ContactName != "" {
		fmt.Fprintf(&b, "You are speaking with %s. ", cc.ContactName)
	}
	if amount := formatAmount(cc); amount != "" {
		fmt.Fprintf(&b, "The outstanding amount is %s", amount)
		if cc.DueDate != "" {
			fmt.Fprintf(&b, ", due on %s", cc.DueDate)
		}
		b.WriteString(". ")
	}
	b.WriteString("If the customer asks to stop being called, acknowledge it and end the conversation.")
	return b.String()
}

// Greeting is the first assistant line of the call.
func Greeting(cc CallContext) string {
	name := cc.ContactName
	if name == "" {
		name = "there"
	}
	msg := fmt.Sprintf("Hello %s, this is a courtesy call about your account.", name)
	if amount := formatAmount(cc); amount != "" {
		msg += fmt.Sprintf(" Our records show a balance of %s", amount)
		if cc.DueDate != "" {
			msg += " due on " + cc.DueDate
		}
		msg += "."
	}
	return msg + " Is now a good time to talk?"
}

func formatAmount(cc CallContext) string {
	if cc.AmountDue == "" {
		return ""
	}
	if cc.Currency == "" {
		return cc.AmountDue
	}
	return cc.AmountDue + " " + cc.Currency
}
