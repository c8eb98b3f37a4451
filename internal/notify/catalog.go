package notify

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var defaultCatalogYAML []byte

// Message is a rendered notification.
type Message struct {
	Title string `json:"title" yaml:"title"`
	Body  string `json:"body" yaml:"body"`
}

// Catalog maps events to message templates. Templates reference variables
// as {name}.
type Catalog struct {
	templates map[Event]Message
}

// LoadCatalog parses a YAML catalog.
func LoadCatalog(data []byte) (*Catalog, error) {
	var raw map[string]Message
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse message catalog: %w", err)
	}
	c := &Catalog{templates: make(map[Event]Message, len(raw))}
	for k, m := range raw {
		if strings.TrimSpace(m.Title) == "" || strings.TrimSpace(m.Body) == "" {
			return nil, fmt.Errorf("message %q needs both title and body", k)
		}
		c.templates[Event(k)] = m
	}
	return c, nil
}

// DefaultCatalog returns the built-in zh-TW catalog.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(defaultCatalogYAML)
	if err != nil {
		panic(err)
	}
	return c
}

// Events lists the catalog keys in order.
func (c *Catalog) Events() []Event {
	out := make([]Event, 0, len(c.templates))
	for ev := range c.templates {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Render fills the template for ev. Unknown variables are left as written.
func (c *Catalog) Render(ev Event, vars map[string]string) (Message, error) {
	tmpl, ok := c.templates[ev]
	if !ok {
		return Message{}, fmt.Errorf("no message for event %q", ev)
	}
	if len(vars) == 0 {
		return tmpl, nil
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	return Message{Title: r.Replace(tmpl.Title), Body: r.Replace(tmpl.Body)}, nil
}
