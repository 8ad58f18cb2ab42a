package shops

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"gopkg.in/yaml.v3"
)

// DefaultCategory is used for rows without a category.
const DefaultCategory = "新着"

// LoadOptions tunes row coercion.
type LoadOptions struct {
	// DefaultRoom replaces a notification_enabled value of "true".
	DefaultRoom string
}

// LoadFile reads a JSON (array of objects) or YAML (sequence of mappings)
// shop file, chosen by extension, and returns its validated rows.
func LoadFile(path string, opts LoadOptions) ([]URLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shops: read %s: %w", path, err)
	}
	var raw []map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("shops: parse %s: %w", path, err)
	}
	return Parse(raw, opts)
}

// Parse coerces and validates decoded rows. Duplicate (py_file, url_index)
// pairs are rejected.
func Parse(raw []map[string]any, opts LoadOptions) ([]URLConfig, error) {
	out := make([]URLConfig, 0, len(raw))
	seen := make(map[string]int)
	for i, m := range raw {
		c, err := coerce(m, opts)
		if err != nil {
			return nil, &ErrInvalidConfig{Row: i, Cause: err}
		}
		if err := c.Validate(); err != nil {
			return nil, &ErrInvalidConfig{Row: i, Cause: err}
		}
		k := c.Script + "#" + strconv.Itoa(c.URLIndex)
		if prev, dup := seen[k]; dup {
			return nil, &ErrInvalidConfig{Row: i, Cause: fmt.Errorf("duplicate of row %d (%s url_index %d)", prev, c.Script, c.URLIndex)}
		}
		seen[k] = i
		out = append(out, c)
	}
	return out, nil
}

// Validate checks the fields a row cannot run without.
func (c URLConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Script, validation.Required),
		validation.Field(&c.DisplayName, validation.Required),
		validation.Field(&c.URL, is.URL),
		validation.Field(&c.URLIndex, validation.Min(0)),
	)
}

func coerce(m map[string]any, opts LoadOptions) (URLConfig, error) {
	c := URLConfig{
		Script:      strings.TrimSpace(text(m["py_file"])),
		DisplayName: strings.TrimSpace(text(m["display_name"])),
		Category:    strings.TrimSpace(text(m["category"])),
		URL:         strings.TrimSpace(text(m["scraping_url"])),
		Priority:    2,
		Active:      true,
	}
	if c.Category == "" {
		c.Category = DefaultCategory
	}
	if v, ok := m["url_index"]; ok && v != nil {
		n, ok := integer(v)
		if !ok {
			return c, fmt.Errorf("url_index %q is not an integer", text(v))
		}
		c.URLIndex = n
	}
	if v, ok := m["priority"]; ok {
		if n, ok := integer(v); ok && n >= 1 {
			c.Priority = n
		}
	}
	if v, ok := m["is_active"]; ok {
		c.Active = truthy(v)
	}
	c.Destinations = destinations(m["notification_enabled"], opts.DefaultRoom)
	return c, nil
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func integer(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		if x != math.Trunc(x) {
			return 0, false
		}
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return strings.EqualFold(strings.TrimSpace(x), "true")
	}
	return false
}

// destinations splits a notification_enabled value into room ids.
func destinations(v any, defaultRoom string) []string {
	if b, ok := v.(bool); ok {
		if b && defaultRoom != "" {
			return []string{defaultRoom}
		}
		return nil
	}
	var out []string
	for _, part := range strings.Split(text(v), ",") {
		part = strings.TrimSpace(part)
		switch strings.ToLower(part) {
		case "", "nan", "none", "non", "false":
			continue
		case "true":
			if defaultRoom == "" {
				continue
			}
			part = defaultRoom
		}
		out = append(out, part)
	}
	return out
}
