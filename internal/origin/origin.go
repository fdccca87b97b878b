package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// authority is a lowercased host with an optional non-default port.
type authority struct {
	hostname string
	port     uint64
}

func (a authority) String() string {
	host := a.hostname
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if a.port != 0 {
		host += ":" + strconv.FormatUint(a.port, 10)
	}
	return host
}

func parseAuthority(raw, scheme string) (authority, bool) {
	hostname, rawPort, ok := splitHostPort(strings.TrimSpace(raw))
	if !ok || hostname == "" {
		return authority{}, false
	}
	a := authority{hostname: strings.ToLower(hostname)}
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return authority{}, false
		}
		a.port = n
	}
	if (scheme == "http" && a.port == 80) || (scheme == "https" && a.port == 443) {
		a.port = 0
	}
	return a, true
}

// NormalizeHeader validates a browser Origin header and returns it as
// scheme://host[:port] with default ports removed, plus the host[:port] part.
// The opaque origin "null" is returned unchanged with an empty host.
func NormalizeHeader(header string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	a, ok := parseAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	host = a.String()
	return scheme + "://" + host, host, true
}

// Policy decides which browser origins may open signaling connections.
//
// With no configured entries only same-host requests are allowed. Entries are
// "*", an exact origin, or a subdomain wildcard such as
// "https://*.example.com".
type Policy struct {
	any       bool
	exact     map[string]struct{}
	wildcards []wildcard
}

type wildcard struct {
	scheme string
	suffix string // ".example.com[:port]"
}

func NewPolicy(entries []string) (*Policy, error) {
	p := &Policy{exact: make(map[string]struct{})}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		switch {
		case entry == "":
			continue
		case entry == "*":
			p.any = true
		case strings.Contains(entry, "://*."):
			scheme, rest, _ := strings.Cut(entry, "://*.")
			norm, _, ok := NormalizeHeader(scheme + "://" + rest)
			if !ok {
				return nil, fmt.Errorf("invalid origin pattern %q", raw)
			}
			_, host, _ := strings.Cut(norm, "://")
			p.wildcards = append(p.wildcards, wildcard{scheme: strings.ToLower(scheme), suffix: "." + host})
		default:
			norm, _, ok := NormalizeHeader(entry)
			if !ok || norm == "null" {
				return nil, fmt.Errorf("invalid origin %q", raw)
			}
			p.exact[norm] = struct{}{}
		}
	}
	return p, nil
}

// SameHostOnly reports whether the policy falls back to same-host checks.
func (p *Policy) SameHostOnly() bool {
	return p == nil || (!p.any && len(p.exact) == 0 && len(p.wildcards) == 0)
}

// Allows reports whether a normalized origin may access requestHost.
func (p *Policy) Allows(normalized, originHost, requestHost string) bool {
	if p.SameHostOnly() {
		// Scheme is not compared: TLS is often terminated by a proxy in front
		// of the server.
		scheme, _, ok := strings.Cut(normalized, "://")
		if !ok {
			return false
		}
		a, ok := parseAuthority(requestHost, scheme)
		return ok && a.String() == originHost
	}
	if p.any {
		return true
	}
	if _, ok := p.exact[normalized]; ok {
		return true
	}
	for _, w := range p.wildcards {
		if strings.HasPrefix(normalized, w.scheme+"://") && strings.HasSuffix(originHost, w.suffix) {
			return true
		}
	}
	return false
}

// CheckRequest applies the policy to r. Requests without an Origin header are
// not from a browser and are allowed.
func (p *Policy) CheckRequest(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	normalized, host, ok := NormalizeHeader(header)
	if !ok {
		return false
	}
	return p.Allows(normalized, host, r.Host)
}

// splitHostPort splits host[:port]. IPv6 literals must be bracketed; the
// returned hostname has the brackets removed.
func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}
	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := raw[1:end], raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		port, ok := strings.CutPrefix(rest, ":")
		if !ok || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}
	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", true
	case 1:
		hostname, port, _ := strings.Cut(raw, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}
