// Package template renders touch-sequence message bodies with the Liquid
// template language. Parsed templates are cached per template id so the
// scheduler's hot path never re-parses.
package template

import (
	"fmt"
	"html"
	"log"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/cadencehq/cadence/internal/domain"
)

// Engine wraps a Liquid engine with a parse cache and custom filters.
type Engine struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewEngine creates an Engine with the engagement filter set registered.
func NewEngine() *Engine {
	e := &Engine{engine: liquid.NewEngine()}
	e.registerFilters()
	return e
}

func (e *Engine) registerFilters() {
	// {{ first_name | default: "there" }}
	e.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	// {{ name | capitalize }}
	e.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// {{ notes | truncate: 120 }}
	e.engine.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	// {{ user_input | escape }}
	e.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// {{ name | first_name }} takes the first word of a full name.
	e.engine.RegisterFilter("first_name", func(s string) string {
		fields := strings.Fields(s)
		if len(fields) == 0 {
			return s
		}
		return fields[0]
	})
}

// Parse compiles a template string and returns any syntax error. Used by the
// import endpoint to reject broken sequences before they are saved.
func (e *Engine) Parse(body string) error {
	_, err := e.engine.ParseString(body)
	return err
}

// Render processes a template body with the given context. Parsed templates
// are cached under cacheKey when provided. Missing variables render empty
// rather than failing a send.
func (e *Engine) Render(cacheKey, body string, ctx map[string]interface{}) (string, error) {
	if cacheKey != "" {
		if cached, ok := e.cache.Load(cacheKey); ok {
			return cached.(*liquid.Template).RenderString(ctx)
		}
	}

	tpl, err := e.engine.ParseString(body)
	if err != nil {
		log.Printf("[Template] Parse error: %v", err)
		return "", err
	}
	if cacheKey != "" {
		e.cache.Store(cacheKey, tpl)
	}
	return tpl.RenderString(ctx)
}

// RenderTemplate renders a stored template for one lead, returning subject
// and body. The cache key includes UpdatedAt so edited templates re-parse.
func (e *Engine) RenderTemplate(t *domain.Template, lead *domain.Lead, extra map[string]interface{}) (subject, body string, err error) {
	ctx := LeadContext(lead)
	for k, v := range extra {
		ctx[k] = v
	}

	key := fmt.Sprintf("%s:%d", t.ID, t.UpdatedAt.UnixNano())
	body, err = e.Render(key+":body", t.Body, ctx)
	if err != nil {
		return "", "", err
	}
	if t.Subject != "" {
		subject, err = e.Render(key+":subject", t.Subject, ctx)
		if err != nil {
			return "", "", err
		}
	}
	return subject, body, nil
}

// Invalidate drops a cached template after an edit or delete.
func (e *Engine) Invalidate(cacheKey string) {
	e.cache.Delete(cacheKey)
}

// LeadContext builds the render context for a lead: identity fields plus a
// flattened copy of metadata. Metadata never shadows identity keys.
func LeadContext(lead *domain.Lead) map[string]interface{} {
	ctx := map[string]interface{}{}
	for k, v := range lead.Metadata {
		ctx[k] = v
	}
	ctx["name"] = lead.Name
	ctx["email"] = lead.Email
	ctx["phone"] = lead.Phone
	ctx["source"] = lead.Source
	if fields := strings.Fields(lead.Name); len(fields) > 0 {
		ctx["first_name"] = fields[0]
	} else {
		ctx["first_name"] = ""
	}
	return ctx
}
