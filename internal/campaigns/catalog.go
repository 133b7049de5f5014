package campaigns

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"collections-voice/internal/queue"

	"gopkg.in/yaml.v3"
)

// Catalog supplies the campaigns a scheduling pass evaluates.
type Catalog interface {
	Campaigns(ctx context.Context) ([]Campaign, error)
}

type catalogFile struct {
	Campaigns []Campaign `yaml:"campaigns"`
}

// Load reads a YAML campaign catalog from path.
func Load(path string) ([]Campaign, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("campaigns: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals and validates a YAML campaign catalog.
func Parse(data []byte) ([]Campaign, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("campaigns: parse: %w", err)
	}
	for i := range f.Campaigns {
		applyDefaults(&f.Campaigns[i])
	}
	if err := validate(f.Campaigns); err != nil {
		return nil, err
	}
	return f.Campaigns, nil
}

func applyDefaults(c *Campaign) {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.EndHour == 0 && c.StartHour == 0 {
		c.StartHour, c.EndHour = 9, 18
	}
	if c.Mode == "" {
		c.Mode = queue.ModeStream
	}
	for i := range c.Contacts {
		for j := range c.Contacts[i].Receivables {
			if c.Contacts[i].Receivables[j].Status == "" {
				c.Contacts[i].Receivables[j].Status = ReceivableOpen
			}
		}
	}
}

func validate(cs []Campaign) error {
	var errs []string
	seen := map[string]bool{}
	for i := range cs {
		c := &cs[i]
		if c.ID == "" {
			errs = append(errs, fmt.Sprintf("campaigns[%d].id is required", i))
		} else if seen[c.ID] {
			errs = append(errs, fmt.Sprintf("campaigns[%d].id %q is duplicated", i, c.ID))
		}
		seen[c.ID] = true

		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			errs = append(errs, fmt.Sprintf("campaigns[%d].timezone %q is invalid", i, c.Timezone))
		} else {
			c.location = loc
		}
		if c.StartHour < 0 || c.EndHour > 24 || c.StartHour >= c.EndHour {
			errs = append(errs, fmt.Sprintf("campaigns[%d] hour window [%d,%d) is invalid", i, c.StartHour, c.EndHour))
		}
		if c.Mode != queue.ModeStream && c.Mode != queue.ModeTurn {
			errs = append(errs, fmt.Sprintf("campaigns[%d].mode %q is invalid", i, c.Mode))
		}
		for j, t := range c.Triggers {
			if t.TriggerType == "" {
				errs = append(errs, fmt.Sprintf("campaigns[%d].triggers[%d].trigger_type is required", i, j))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("campaigns: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ErrStaleCatalog accompanies the last good catalog when a reload fails.
var ErrStaleCatalog = errors.New("campaigns: using last good catalog")

// FileCatalog re-reads its YAML file on every pass so edits apply without a
// restart. A broken edit keeps the last good catalog.
type FileCatalog struct {
	Path string

	mu   sync.Mutex
	last []Campaign
}

func NewFileCatalog(path string) *FileCatalog { return &FileCatalog{Path: path} }

func (f *FileCatalog) Campaigns(ctx context.Context) ([]Campaign, error) {
	cs, err := Load(f.Path)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		if f.last != nil {
			return f.last, fmt.Errorf("%w: %v", ErrStaleCatalog, err)
		}
		return nil, err
	}
	f.last = cs
	return cs, nil
}

// MemoryCatalog is a fixed catalog for tests.
type MemoryCatalog struct {
	List []Campaign
	Err  error
}

func (m MemoryCatalog) Campaigns(ctx context.Context) ([]Campaign, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]Campaign, len(m.List))
	copy(out, m.List)
	for i := range out {
		applyDefaults(&out[i])
		if out[i].location == nil {
			if loc, err := time.LoadLocation(out[i].Timezone); err == nil {
				out[i].location = loc
			}
		}
	}
	return out, nil
}
