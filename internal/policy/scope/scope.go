// Package scope decides which discovered links belong to a site unit.
package scope

import (
	"net/url"
	"strings"
)

// Policy admits URLs whose host is one of the unit's domains or a subdomain of one.
type Policy struct {
	domains []string
}

// New creates a Policy for domain and its aliases.
func New(domain string, aliases ...string) *Policy {
	p := &Policy{}
	for _, d := range append([]string{domain}, aliases...) {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
		if d != "" {
			p.domains = append(p.domains, d)
		}
	}
	return p
}

// AllowFetch reports whether rawURL is an http(s) URL on one of the policy domains.
func (p *Policy) AllowFetch(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range p.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
