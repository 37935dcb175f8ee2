package notifications

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	domain "github.com/commerce-dash/settlement/internal/domain"
)

//go:embed templates.yaml
var defaultTemplatesYAML []byte

// Template is the subject and Markdown body used for one notification type.
type Template struct {
	Subject  string                       `yaml:"subject"`
	Message  string                       `yaml:"message"`
	Channels []domain.NotificationChannel `yaml:"channels"`
}

// Templates indexes templates by notification type.
type Templates map[string]Template

// DefaultTemplates returns the embedded template set.
func DefaultTemplates() (Templates, error) {
	return ParseTemplates(defaultTemplatesYAML)
}

// ParseTemplates decodes and validates a YAML template document.
func ParseTemplates(data []byte) (Templates, error) {
	var raw map[string]Template
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("notifications: parse templates: %w", err)
	}
	out := make(Templates, len(raw))
	for kind, tpl := range raw {
		kind = strings.TrimSpace(kind)
		tpl.Subject = strings.TrimSpace(tpl.Subject)
		tpl.Message = strings.TrimSpace(tpl.Message)
		if kind == "" || tpl.Subject == "" || tpl.Message == "" {
			return nil, fmt.Errorf("notifications: template %q needs a subject and a message", kind)
		}
		for _, ch := range tpl.Channels {
			if !ch.Valid() {
				return nil, fmt.Errorf("notifications: template %q: unknown channel %q", kind, ch)
			}
		}
		if len(tpl.Channels) == 0 {
			tpl.Channels = []domain.NotificationChannel{domain.NotificationChannelEmail}
		}
		out[kind] = tpl
	}
	return out, nil
}

// LoadTemplates returns the embedded templates overlaid with the entries of path, when set.
func LoadTemplates(path string) (Templates, error) {
	templates, err := DefaultTemplates()
	if err != nil {
		return nil, err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return templates, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("notifications: templates file %s not found", path)
		}
		return nil, fmt.Errorf("notifications: read templates: %w", err)
	}
	overrides, err := ParseTemplates(data)
	if err != nil {
		return nil, err
	}
	for kind, tpl := range overrides {
		templates[kind] = tpl
	}
	return templates, nil
}

// Types lists the configured notification types in sorted order.
func (t Templates) Types() []string {
	out := make([]string, 0, len(t))
	for kind := range t {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}
