package license

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

// HostAllowlist limits the license hosts that receive credentials. Entries
// are exact hostnames or "*.suffix" wildcards, which match subdomains only.
// Ports are not part of the match. A nil allowlist allows every host.
type HostAllowlist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewHostAllowlist parses patterns. At least one pattern is required.
func NewHostAllowlist(patterns []string) (*HostAllowlist, error) {
	a := &HostAllowlist{exact: make(map[string]struct{})}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		switch {
		case p == "", p == "*", p == "*.":
			return nil, fmt.Errorf("invalid license host pattern %q", p)
		case strings.ContainsAny(p, "/?#@ "):
			return nil, fmt.Errorf("license host pattern %q must be a hostname", p)
		}
		if base, ok := strings.CutPrefix(p, "*."); ok {
			a.suffixes = append(a.suffixes, "."+base)
			continue
		}
		a.exact[p] = struct{}{}
	}
	if len(a.exact) == 0 && len(a.suffixes) == 0 {
		return nil, fmt.Errorf("at least one license host is required")
	}
	return a, nil
}

// Allows reports whether host, without a port, may receive credentials.
func (a *HostAllowlist) Allows(host string) bool {
	if a == nil {
		return true
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}
	if _, ok := a.exact[host]; ok {
		return true
	}
	for _, suffix := range a.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// Patterns returns the configured patterns, sorted.
func (a *HostAllowlist) Patterns() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.exact)+len(a.suffixes))
	for h := range a.exact {
		out = append(out, h)
	}
	for _, s := range a.suffixes {
		out = append(out, "*"+s)
	}
	sort.Strings(out)
	return out
}

// DefaultAllowedHosts derives the allowlist from the certificate URL: its
// host and, for names with three or more labels, the sibling subdomains of
// its parent domain.
func DefaultAllowedHosts(certificateURL string) []string {
	u, err := url.Parse(certificateURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	hosts := []string{host}
	if net.ParseIP(host) != nil {
		return hosts
	}
	if labels := strings.Split(host, "."); len(labels) >= 3 {
		hosts = append(hosts, "*."+strings.Join(labels[1:], "."))
	}
	return hosts
}
