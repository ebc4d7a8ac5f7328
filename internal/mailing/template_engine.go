// Package mailing turns campaign and automation content into deliverable
// messages: Liquid personalization, signed tracking links and the open pixel.
package mailing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// TemplateService handles Liquid template rendering with caching
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // template hash -> *liquid.Template
}

// NewTemplateService creates a new template service with custom filters
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}
	ts.registerCustomFilters()
	return ts
}

// registerCustomFilters adds personalization filters
func (ts *TemplateService) registerCustomFilters() {
	// {{ first_name | default: "Friend" }}
	ts.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	ts.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	})

	// {{ bio | truncate: 50 }}
	ts.engine.RegisterFilter("truncate", func(s string, length int) string {
		r := []rune(s)
		if len(r) <= length {
			return s
		}
		if length <= 3 {
			return string(r[:length])
		}
		return string(r[:length-3]) + "..."
	})

	ts.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	ts.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// {{ price | currency }}
	ts.engine.RegisterFilter("currency", func(value interface{}) string {
		var f float64
		switch v := value.(type) {
		case float64:
			f = v
		case int:
			f = float64(v)
		case int64:
			f = float64(v)
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return v
			}
			f = parsed
		default:
			return fmt.Sprintf("%v", value)
		}
		return fmt.Sprintf("$%.2f", f)
	})

	ts.engine.RegisterFilter("email_domain", func(email string) string {
		if i := strings.LastIndex(email, "@"); i >= 0 {
			return email[i+1:]
		}
		return ""
	})
}

// Parse compiles a template string and returns any syntax errors
func (ts *TemplateService) Parse(templateStr string) error {
	if _, err := ts.engine.ParseString(templateStr); err != nil {
		return err
	}
	return nil
}

// Render processes a template with the given bindings. Parsed templates are
// cached by content hash.
func (ts *TemplateService) Render(templateStr string, bindings map[string]interface{}) (string, error) {
	if templateStr == "" || !strings.Contains(templateStr, "{") {
		return templateStr, nil
	}

	sum := sha256.Sum256([]byte(templateStr))
	key := hex.EncodeToString(sum[:])

	var tpl *liquid.Template
	if cached, ok := ts.cache.Load(key); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := ts.engine.ParseString(templateStr)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		ts.cache.Store(key, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}
