// Package origin normalizes browser Origin headers and decides which origins
// may talk to the relay's HTTP and WebSocket endpoints.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Any is the allow-list entry that admits every origin.
const Any = "*"

// Policy is an origin allow-list. The zero value only admits same-host
// requests.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

// NewPolicy builds a policy from entries that are either Any or normalized
// origins as produced by NormalizeHeader. An empty list means same-host only.
func NewPolicy(entries []string) Policy {
	p := Policy{}
	for _, e := range entries {
		if e == Any {
			p.any = true
			continue
		}
		if p.allowed == nil {
			p.allowed = make(map[string]struct{}, len(entries))
		}
		p.allowed[e] = struct{}{}
	}
	return p
}

// AllowsAny reports whether the policy admits every origin.
func (p Policy) AllowsAny() bool { return p.any }

// Check validates an Origin header against the policy. requestHost is the
// request's Host header and is only consulted for the same-host default.
func (p Policy) Check(originHeader, requestHost string) (normalized string, ok bool) {
	normalized, host, ok := NormalizeHeader(originHeader)
	if !ok {
		return "", false
	}
	if p.any {
		return normalized, true
	}
	if p.allowed != nil {
		_, ok := p.allowed[normalized]
		return normalized, ok
	}

	// Scheme is not compared: a TLS-terminating proxy makes the request look
	// like plain HTTP while the browser reports https.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return "", false
	}
	reqHost, ok := normalizeAuthority(scheme, strings.ToLower(strings.TrimSpace(requestHost)))
	if !ok || reqHost != host {
		return "", false
	}
	return normalized, true
}

// NormalizeHeader validates and normalizes a browser Origin header, returning
// scheme://host[:port] and the host[:port] part. Default ports are dropped.
// The opaque origin "null" is returned as-is with an empty host.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeAuthority(scheme, u.Host)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

func normalizeAuthority(scheme, authority string) (string, bool) {
	rawHostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}
	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. IPv6 literals must be bracketed and are
// returned without brackets.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		h, p, _ := strings.Cut(rawHost, ":")
		if h == "" || p == "" {
			return "", "", false
		}
		return h, p, true
	default:
		return "", "", false
	}
}
