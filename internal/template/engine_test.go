package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/internal/domain"
)

func TestRender(t *testing.T) {
	e := NewEngine()

	t.Run("substitutes lead variables", func(t *testing.T) {
		out, err := e.Render("", "Hi {{ first_name }}, thanks for your interest in {{ product }}.", map[string]interface{}{
			"first_name": "Dana",
			"product":    "solar panels",
		})
		require.NoError(t, err)
		assert.Equal(t, "Hi Dana, thanks for your interest in solar panels.", out)
	})

	t.Run("missing variables render empty", func(t *testing.T) {
		out, err := e.Render("", "Hi {{ first_name }}!", map[string]interface{}{})
		require.NoError(t, err)
		assert.Equal(t, "Hi !", out)
	})

	t.Run("default filter fills missing values", func(t *testing.T) {
		out, err := e.Render("", `Hi {{ first_name | default: "there" }}!`, map[string]interface{}{})
		require.NoError(t, err)
		assert.Equal(t, "Hi there!", out)
	})

	t.Run("parse error surfaces", func(t *testing.T) {
		_, err := e.Render("", "{% if x %} unterminated", map[string]interface{}{})
		assert.Error(t, err)
	})

	t.Run("cache returns same output on repeat renders", func(t *testing.T) {
		body := "Hello {{ name }}"
		out1, err := e.Render("tpl-1", body, map[string]interface{}{"name": "A"})
		require.NoError(t, err)
		out2, err := e.Render("tpl-1", body, map[string]interface{}{"name": "B"})
		require.NoError(t, err)
		assert.Equal(t, "Hello A", out1)
		assert.Equal(t, "Hello B", out2)
	})
}

func TestRenderTemplate(t *testing.T) {
	e := NewEngine()
	lead := &domain.Lead{
		Name:  "Dana Whitfield",
		Email: "dana@example.com",
		Metadata: map[string]any{
			"property_type": "condo",
		},
	}
	tpl := &domain.Template{
		ID:        "tpl-9",
		Subject:   "Your {{ property_type }} inquiry",
		Body:      "Hi {{ first_name }}, following up on the {{ property_type }}.",
		UpdatedAt: time.Now(),
	}

	subject, body, err := e.RenderTemplate(tpl, lead, nil)
	require.NoError(t, err)
	assert.Equal(t, "Your condo inquiry", subject)
	assert.Equal(t, "Hi Dana, following up on the condo.", body)
}

func TestLeadContext(t *testing.T) {
	lead := &domain.Lead{
		Name:  "Dana Whitfield",
		Email: "dana@example.com",
		Phone: "+15551234567",
		Metadata: map[string]any{
			"budget": "450k",
			"name":   "shadow attempt",
		},
	}
	ctx := LeadContext(lead)
	assert.Equal(t, "Dana Whitfield", ctx["name"], "identity fields win over metadata")
	assert.Equal(t, "Dana", ctx["first_name"])
	assert.Equal(t, "450k", ctx["budget"])
}
