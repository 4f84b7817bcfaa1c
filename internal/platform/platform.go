// Package platform implements the pure, stateless per-destination URL
// policy: normalization, ingest-URL assembly, and stream-key redaction for
// logs. Every function here is allocation-light and never fails — unknown
// platforms fall through to the generic behavior, since this package is
// called from logging hot paths.
package platform

import "strings"

// RedactionToken replaces the stream key (or key-bearing path segment) in a
// redacted URL.
const RedactionToken = "****"

// tlsOnlyHosts are well-known hosts that should be promoted to rtmps:// even
// when the caller omitted a scheme.
var tlsOnlyHosts = []string{"facebook.com", ":443"}

// Config is a per-platform policy. The zero value behaves like the generic
// fallback for every method.
type Config struct {
	// Service is the platform tag this config answers for (e.g. "twitch",
	// "youtube", "facebook").
	Service string
	// JoinWithSlash records whether the platform joins base URL and key
	// with "/". True for every known platform. BuildIngestURL does not read
	// it: it always joins with a single "/".
	JoinWithSlash bool
}

// Registry holds per-platform configs, keyed by lower-cased service tag.
type Registry struct {
	configs map[string]Config
}

// NewRegistry builds a Registry seeded with the well-known destination
// platforms. All of them share the default "{base}/{key}" join policy, so
// the registry mainly exists as an extension point and a redact() dispatch
// table.
func NewRegistry() *Registry {
	r := &Registry{configs: make(map[string]Config)}
	for _, svc := range []string{"twitch", "youtube", "facebook", "kick", "trovo", "custom"} {
		r.configs[svc] = Config{Service: svc, JoinWithSlash: true}
	}
	return r
}

// Get returns the config registered for a service tag, if any.
func (r *Registry) Get(service string) (Config, bool) {
	cfg, ok := r.configs[strings.ToLower(strings.TrimSpace(service))]
	return cfg, ok
}

// NormalizeRTMPURL trims trailing slashes, prepends "rtmp://" unless already
// prefixed with "rtmp://" or "rtmps://", and promotes to "rtmps://" when the
// host looks TLS-only.
func NormalizeRTMPURL(url string) string {
	url = strings.TrimSpace(url)
	for strings.HasSuffix(url, "/") {
		url = strings.TrimSuffix(url, "/")
	}

	if strings.HasPrefix(url, "rtmp://") || strings.HasPrefix(url, "rtmps://") {
		return url
	}

	for _, host := range tlsOnlyHosts {
		if strings.Contains(url, host) {
			return "rtmps://" + url
		}
	}
	return "rtmp://" + url
}

// BuildIngestURL joins a normalized base URL and a stream key as
// "{base}/{key}" with exactly one slash between them, the join every
// currently known platform uses. platformTag is not consulted.
func (r *Registry) BuildIngestURL(platformTag, baseURL, key string) string {
	base := NormalizeRTMPURL(baseURL)
	base = strings.TrimSuffix(base, "/")
	if key == "" {
		return base
	}
	return base + "/" + key
}

// Redact replaces the stream key in a destination URL with RedactionToken.
// Every currently known platform shares the generic key-position heuristic;
// Redact is still a Registry method (rather than a free function) so a
// future platform with a distinct key position can override it without
// changing any call site.
func (r *Registry) Redact(platformTag, url string) string {
	return GenericRedact(url)
}

// GenericRedact implements the platform-agnostic fallback: it cuts the URL
// at its scheme, replaces the final "/"-delimited path segment with
// RedactionToken, and additionally scrubs any "key="/"token="-style query
// parameter value.
func GenericRedact(url string) string {
	schemeEnd := 0
	for _, scheme := range []string{"rtmps://", "rtmp://"} {
		if strings.HasPrefix(url, scheme) {
			schemeEnd = len(scheme)
			break
		}
	}

	rest := url[schemeEnd:]

	query := ""
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		query = rest[idx+1:]
		rest = rest[:idx]
	}

	if query != "" {
		query = redactQuery(query)
	}

	rest = strings.TrimSuffix(rest, "/")
	lastSlash := strings.LastIndexByte(rest, '/')
	var redactedPath string
	if lastSlash < 0 {
		redactedPath = RedactionToken
	} else {
		redactedPath = rest[:lastSlash+1] + RedactionToken
	}

	out := url[:schemeEnd] + redactedPath
	if query != "" {
		out += "?" + query
	}
	return out
}

func redactQuery(query string) string {
	pairs := strings.Split(query, "&")
	for i, pair := range pairs {
		name, _, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		lower := strings.ToLower(name)
		if strings.Contains(lower, "key") || strings.Contains(lower, "token") || strings.Contains(lower, "secret") {
			pairs[i] = name + "=" + RedactionToken
		}
	}
	return strings.Join(pairs, "&")
}

// IsEncodedStreamKeyShape is a best-effort heuristic for whether segment
// could be a stream key in a URL path; no code or test in this module calls
// it, and it has no role in redaction.
func IsEncodedStreamKeyShape(segment string) bool {
	return len(segment) > 0 && !strings.ContainsAny(segment, "/?#")
}
