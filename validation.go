package credbroker

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/workmesh/credbroker/internal/util"
)

// blockedRedirectSchemes are never allowed regardless of configuration.
// javascript: and data: URIs turn an open redirect into XSS.
var blockedRedirectSchemes = map[string]bool{
	"javascript": true,
	"data":       true,
	"file":       true,
	"vbscript":   true,
}

// validateRedirectURIs validates client redirect URIs at registration time
// per OAuth 2.0 Security BCP section 4.1: no fragments, no dangerous
// schemes, HTTPS required except for loopback (RFC 8252 section 7.3), and no
// private or link-local IP literals (SSRF protection).
func validateRedirectURIs(uris []string) error {
	if len(uris) == 0 {
		return fmt.Errorf("at least one redirect URI is required")
	}
	for _, uri := range uris {
		if err := validateRedirectURI(uri); err != nil {
			return fmt.Errorf("redirect_uri %q: %w", sanitizeURIForLogging(uri), err)
		}
	}
	return nil
}

func validateRedirectURI(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid URI format")
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("fragments are not allowed")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if blockedRedirectSchemes[scheme] {
		return fmt.Errorf("scheme %q is blocked", scheme)
	}
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("scheme %q is not allowed", scheme)
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("host is required")
	}

	// Loopback may use plain HTTP for native apps
	if util.IsLoopbackHostname(hostname) {
		return nil
	}
	if scheme == "http" {
		return fmt.Errorf("HTTPS is required (HTTP only allowed for loopback)")
	}

	if ip := net.ParseIP(hostname); ip != nil {
		switch class := util.ClassifyIP(ip); class {
		case util.IPClassificationPublic:
			// fine
		default:
			return fmt.Errorf("%s addresses are not allowed", class)
		}
	}
	return nil
}

// sanitizeURIForLogging strips query, fragment and userinfo so credentials
// embedded in a URI never reach the logs.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}

// redirectURIRegistered reports whether uri matches one of the client's
// registered URIs, treating trailing slashes as insignificant.
func redirectURIRegistered(registered []string, uri string) bool {
	normalized := util.NormalizeURL(uri)
	for _, r := range registered {
		if util.NormalizeURL(r) == normalized {
			return true
		}
	}
	return false
}
