package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ctxFixture() map[string]any {
	return map[string]any{
		"trigger": map[string]any{
			"name":  "ada",
			"count": float64(5),
			"ok":    true,
			"tags":  []any{"alpha", "beta"},
			"meta":  map[string]any{"env": "prod"},
		},
	}
}

func TestRender_NoPlaceholders(t *testing.T) {
	for _, s := range []string{"", "plain text", "a } b } c", "single { brace"} {
		assert.Equal(t, s, Render(s, ctxFixture()))
	}
}

func TestRender_StringValue(t *testing.T) {
	assert.Equal(t, "hello ada!", Render("hello {{trigger.name}}!", ctxFixture()))
}

func TestRender_TrimsExpression(t *testing.T) {
	assert.Equal(t, "ada", Render("{{  trigger.name  }}", ctxFixture()))
}

func TestRender_MissingPathIsEmpty(t *testing.T) {
	assert.Equal(t, "x--y", Render("x-{{trigger.nope}}-y", ctxFixture()))
}

func TestRender_UnterminatedIsLiteral(t *testing.T) {
	assert.Equal(t, "before {{trigger.name", Render("before {{trigger.name", ctxFixture()))
	assert.Equal(t, "ada and {{rest", Render("{{trigger.name}} and {{rest", ctxFixture()))
}

func TestRender_ScalarForms(t *testing.T) {
	ctx := ctxFixture()
	assert.Equal(t, "5", Render("{{trigger.count}}", ctx))
	assert.Equal(t, "true", Render("{{trigger.ok}}", ctx))
}

func TestRender_ArrayIndex(t *testing.T) {
	assert.Equal(t, "beta", Render("{{trigger.tags.1}}", ctxFixture()))
}

func TestRender_CompoundValueIsJSON(t *testing.T) {
	assert.Equal(t, `{"env":"prod"}`, Render("{{trigger.meta}}", ctxFixture()))
}

func TestRender_MultiplePlaceholders(t *testing.T) {
	got := Render("{{trigger.name}}/{{trigger.meta.env}}", ctxFixture())
	assert.Equal(t, "ada/prod", got)
}

func TestLookup_EmptySegmentsSkipped(t *testing.T) {
	v, ok := Lookup("trigger..name", ctxFixture())
	assert.True(t, ok)
	assert.Equal(t, "ada", v)
}

func TestLookup_IndexOutOfRange(t *testing.T) {
	_, ok := Lookup("trigger.tags.7", ctxFixture())
	assert.False(t, ok)

	_, ok = Lookup("trigger.tags.-1", ctxFixture())
	assert.False(t, ok)
}

func TestLookup_ScalarWithRemainingSegments(t *testing.T) {
	_, ok := Lookup("trigger.name.deeper", ctxFixture())
	assert.False(t, ok)
}

func TestLookup_WholeContext(t *testing.T) {
	v, ok := Lookup("", ctxFixture())
	assert.True(t, ok)
	assert.NotNil(t, v)
}

func TestStringify_Null(t *testing.T) {
	assert.Equal(t, "null", Stringify(nil))
}
