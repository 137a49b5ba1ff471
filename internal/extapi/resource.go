package extapi

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"rostersync.org/internal/roster"
)

// Resource is one element of a JSON:API style data array.
type Resource struct {
	ID         flexID         `json:"id"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes"`
}

type page struct {
	Data  []Resource `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

func decodePage(body []byte) (page, error) {
	var p page
	if err := json.Unmarshal(body, &p); err != nil {
		return page{}, fmt.Errorf("decode page: %w", err)
	}
	return p, nil
}

// flexID accepts string and numeric identifiers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	if len(b) == 0 || (b[0] != '-' && (b[0] < '0' || b[0] > '9')) {
		return fmt.Errorf("id: unsupported value %s", b)
	}
	*f = flexID(b)
	return nil
}

func (r Resource) attr(keys ...string) string {
	for _, k := range keys {
		if v, ok := r.Attributes[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// List maps the resource to an external list.
func (r Resource) List() roster.ExternalList {
	return roster.ExternalList{
		ID:   string(r.ID),
		Name: r.attr("name"),
		Type: r.attr("type", "list_type"),
	}
}

// Person maps the resource to an external person. A single "name" attribute is
// split on the first space when first/last are absent.
func (r Resource) Person() roster.ExternalPerson {
	first, last := r.attr("first_name"), r.attr("last_name")
	if first == "" && last == "" {
		if full := strings.TrimSpace(r.attr("name")); full != "" {
			first, last, _ = strings.Cut(full, " ")
			last = strings.TrimSpace(last)
		}
	}
	return roster.ExternalPerson{
		ID:         string(r.ID),
		Email:      strings.TrimSpace(r.attr("email", "primary_email")),
		FirstName:  first,
		LastName:   last,
		Attributes: r.Attributes,
	}
}
