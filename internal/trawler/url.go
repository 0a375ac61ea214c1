package trawler

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateURL checks that raw is an absolute http(s) URL with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return Errorf("validate url", KindValidation, "parse %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Errorf("validate url", KindValidation, "unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return Errorf("validate url", KindValidation, "missing host in %q", raw)
	}
	return nil
}

// NormalizeURL strips the fragment component so anchor-only variants of the
// same page collapse to one frontier entry. No other rewriting happens here;
// the frontier's dedup contract is fragment-insensitivity only.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", Errorf("normalize url", KindValidation, "parse %q: %v", raw, err)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// ResolveURL resolves ref against base, producing an absolute fragment-free
// URL suitable for frontier enqueue.
func ResolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", Errorf("resolve url", KindValidation, "parse base %q: %v", base, err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", Errorf("resolve url", KindValidation, "parse ref %q: %v", ref, err)
	}
	abs := b.ResolveReference(r)
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs.String(), nil
}

// ClassifyLink classifies link relative to baseHost: same host is internal,
// a host suffix-matching ".baseHost" is a subdomain, anything else with a
// host is external, and unparseable input is unknown.
func ClassifyLink(baseHost, link string) LinkType {
	u, err := url.Parse(link)
	if err != nil {
		return LinkUnknown
	}
	host := strings.ToLower(u.Hostname())
	base := strings.ToLower(hostOnly(baseHost))
	switch {
	case host == "":
		return LinkInternal
	case host == base:
		return LinkInternal
	case strings.HasSuffix(host, "."+base):
		return LinkSubdomain
	default:
		return LinkExternal
	}
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.Trim(hostport, "[]")
}

// CacheKeyInput canonicalizes the cache-relevant subset of scrape options.
// Fields outside this allow-list (timeouts, retries, user agent) must not
// influence the key.
func CacheKeyInput(rawURL string, opts ScrapeOptions) string {
	// Stable, order-fixed rendition; equivalent inputs serialize identically.
	return fmt.Sprintf("css_selector=%s&extract_strategy=%s&format=%s&llm_model=%s&url=%s",
		opts.CSSSelector, opts.ExtractStrategy, opts.Format, opts.LLMModel, rawURL)
}
