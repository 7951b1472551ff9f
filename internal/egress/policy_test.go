package egress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookflow/hookflow/pkg/schema"
)

func TestEvaluate_DenylistWinsOverAllowlist(t *testing.T) {
	p := Policy{
		Allow: []string{"evil.com"},
		Deny:  []string{"evil.com"},
	}
	d := p.Evaluate("evil.com")
	assert.False(t, d.Allowed)
	assert.Equal(t, schema.EgressRuleDenylist, d.Rule)
}

func TestEvaluate_SuffixDomainMatch(t *testing.T) {
	p := Policy{Allow: []string{"example.com"}}
	assert.True(t, p.Evaluate("example.com").Allowed)
	assert.True(t, p.Evaluate("api.example.com").Allowed)
	assert.True(t, p.Evaluate("deep.api.example.com").Allowed)

	// No partial-label matches.
	d := p.Evaluate("notexample.com")
	assert.False(t, d.Allowed)
	assert.Equal(t, schema.EgressRuleAllowlistMiss, d.Rule)
}

func TestEvaluate_DenySuffixMatch(t *testing.T) {
	p := Policy{Deny: []string{"internal.corp"}}
	d := p.Evaluate("db.internal.corp")
	assert.False(t, d.Allowed)
	assert.Equal(t, schema.EgressRuleDenylist, d.Rule)
}

func TestEvaluate_DefaultDeny(t *testing.T) {
	p := Policy{DefaultDeny: true}
	d := p.Evaluate("anything.io")
	assert.False(t, d.Allowed)
	assert.Equal(t, schema.EgressRuleDefaultDeny, d.Rule)

	p.Allow = []string{"anything.io"}
	assert.True(t, p.Evaluate("anything.io").Allowed)
}

func TestEvaluate_PermissiveByDefaultOutsideProduction(t *testing.T) {
	p := Policy{}
	assert.True(t, p.Evaluate("whatever.dev").Allowed)
}

func TestEvaluate_ProductionFailsClosedWithEmptyAllowlist(t *testing.T) {
	p := Policy{Production: true}
	d := p.Evaluate("whatever.dev")
	assert.False(t, d.Allowed)
	assert.Equal(t, schema.EgressRuleDefaultDeny, d.Rule)
}

func TestEvaluate_ProductionWithAllowlist(t *testing.T) {
	p := Policy{Production: true, Allow: []string{"api.stripe.com"}}
	assert.True(t, p.Evaluate("api.stripe.com").Allowed)

	d := p.Evaluate("api.other.com")
	assert.False(t, d.Allowed)
	assert.Equal(t, schema.EgressRuleAllowlistMiss, d.Rule)
}

func TestEvaluate_CaseInsensitiveHost(t *testing.T) {
	p := Policy{Allow: []string{"example.com"}}
	assert.True(t, p.Evaluate("API.Example.COM").Allowed)
}

func TestEvaluateIP(t *testing.T) {
	prod := Policy{Production: true}

	for _, host := range []string{"127.0.0.1", "10.0.0.5", "192.168.1.1", "169.254.169.254", "::1"} {
		d, literal := prod.EvaluateIP(host)
		assert.True(t, literal, host)
		assert.False(t, d.Allowed, host)
		assert.Equal(t, schema.EgressRuleSSRFHardening, d.Rule, host)
	}

	// The metadata endpoint is blocked by name, not just by IP.
	d, literal := prod.EvaluateIP("Metadata.Google.Internal")
	assert.True(t, literal)
	assert.False(t, d.Allowed)
	assert.Equal(t, schema.EgressRuleSSRFHardening, d.Rule)

	d, literal = prod.EvaluateIP("8.8.8.8")
	assert.True(t, d.Allowed)
	assert.False(t, literal)

	// Hostnames are not IP literals.
	d, literal = prod.EvaluateIP("example.com")
	assert.True(t, d.Allowed)
	assert.False(t, literal)

	// Hardening is a production-only behavior.
	dev := Policy{}
	d, literal = dev.EvaluateIP("127.0.0.1")
	assert.True(t, d.Allowed)
	assert.False(t, literal)
}

func TestHost(t *testing.T) {
	h, err := Host("https://API.Example.com:8443/v1/charges?x=1")
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", h)

	_, err = Host("ftp://example.com/file")
	require.Error(t, err)

	_, err = Host("://bad")
	require.Error(t, err)
}

func TestNormalizeHosts(t *testing.T) {
	got := NormalizeHosts(
		[]string{" Example.com ", "", "api.foo.io"},
		[]string{"example.com", "other.io"},
	)
	assert.Equal(t, []string{"example.com", "api.foo.io", "other.io"}, got)
}
