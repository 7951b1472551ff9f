// Package egress implements the allow/deny decision procedure governing which
// external hosts an HTTP action may reach.
package egress

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/hookflow/hookflow/pkg/schema"
)

// Policy holds the inputs of an egress evaluation. Lists contain lowercase
// host patterns; an entry matches its exact host and every subdomain of it.
type Policy struct {
	Allow       []string
	Deny        []string
	DefaultDeny bool
	Production  bool
}

// Decision is the outcome of an egress evaluation. Rule and Message are set
// only on denial and end up verbatim on the persisted block event.
type Decision struct {
	Allowed bool
	Rule    string
	Message string
}

// Evaluate applies the policy to a host. Deny-list matches always win, then
// allow-list matches, then the default. Production fails closed: with an
// empty allow list and no explicit match every host is denied, regardless of
// the configured default.
func (p Policy) Evaluate(host string) Decision {
	h := strings.ToLower(strings.TrimSpace(host))

	if matches(h, p.Deny) {
		return Decision{
			Rule:    schema.EgressRuleDenylist,
			Message: fmt.Sprintf("outbound HTTP blocked by denylist: %s", h),
		}
	}
	if h != "" && matches(h, p.Allow) {
		return Decision{Allowed: true}
	}
	if p.DefaultDeny {
		return Decision{
			Rule:    schema.EgressRuleDefaultDeny,
			Message: fmt.Sprintf("outbound HTTP not allowed (default-deny): %s", h),
		}
	}
	if p.Production && len(p.Allow) == 0 {
		return Decision{
			Rule:    schema.EgressRuleDefaultDeny,
			Message: fmt.Sprintf("outbound HTTP not allowed (production fails closed): %s", h),
		}
	}
	if len(p.Allow) > 0 {
		return Decision{
			Rule:    schema.EgressRuleAllowlistMiss,
			Message: fmt.Sprintf("outbound HTTP not allowed: %s", h),
		}
	}
	return Decision{Allowed: true}
}

// metadataHost is the cloud instance metadata endpoint; reachable by name
// even where the link-local IP is filtered.
const metadataHost = "metadata.google.internal"

// EvaluateIP adds SSRF hardening on top of Evaluate for literal-IP hosts and
// the metadata endpoint. Only applied in production: loopback, private and
// link-local ranges are denied even when the host lists would allow them.
func (p Policy) EvaluateIP(host string) (Decision, bool) {
	h := strings.ToLower(strings.TrimSpace(host))
	if p.Production && h == metadataHost {
		return Decision{
			Rule:    schema.EgressRuleSSRFHardening,
			Message: "outbound HTTP blocked by SSRF hardening",
		}, true
	}
	ip := net.ParseIP(h)
	if ip == nil || !p.Production {
		return Decision{Allowed: true}, false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return Decision{
			Rule:    schema.EgressRuleSSRFHardening,
			Message: "outbound HTTP blocked by SSRF hardening",
		}, true
	}
	return Decision{Allowed: true}, false
}

// Host extracts the lowercase host from a raw URL, rejecting non-http(s)
// schemes.
func Host(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", rawURL).WithCause(err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", schema.NewError(schema.ErrCodeValidation, "only http/https schemes are allowed")
	}
	return strings.ToLower(u.Hostname()), nil
}

// NormalizeHosts lowercases, trims and de-duplicates a host list, dropping
// empty entries. Used when composing the configured allow list with a
// snapshot's per-workflow grants.
func NormalizeHosts(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, h := range list {
			t := strings.ToLower(strings.TrimSpace(h))
			if t == "" {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// matches reports whether host equals a pattern or is a subdomain of one.
func matches(host string, patterns []string) bool {
	for _, pat := range patterns {
		if host == pat {
			return true
		}
		if strings.HasSuffix(host, "."+pat) {
			return true
		}
	}
	return false
}
