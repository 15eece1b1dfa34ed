package license

import (
	"net/url"
	"strings"
)

// DefaultKeyScheme is the custom scheme host engines use for key requests.
const DefaultKeyScheme = "skd"

// ContentIdentifier names the content key being requested. It is the
// UTF-8 encoding of the request URI with the key scheme stripped.
type ContentIdentifier []byte

func (c ContentIdentifier) String() string { return string(c) }

// KeyRequest is a parsed key request. ID is assigned by the Client for
// log and trace correlation.
type KeyRequest struct {
	ID        string
	URI       string
	ContentID ContentIdentifier
	Endpoint  *url.URL
}

// ParseRequestURI parses a key request URI using the default scheme.
func ParseRequestURI(raw string) (KeyRequest, error) {
	return ParseRequestURIWithScheme(raw, DefaultKeyScheme)
}

// ParseRequestURIWithScheme derives the content identifier and the license
// endpoint from raw. Only the leading "<scheme>://" is replaced; the rest
// of the URI is kept verbatim for both values.
func ParseRequestURIWithScheme(raw, scheme string) (KeyRequest, error) {
	if raw == "" {
		return KeyRequest{}, malformed("request uri is empty")
	}

	prefix := scheme + "://"
	if len(raw) < len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return KeyRequest{}, malformed("request uri %q does not use the %s scheme", raw, scheme)
	}

	rest := raw[len(prefix):]
	if rest == "" {
		return KeyRequest{}, malformed("request uri %q has no content identifier", raw)
	}

	endpoint, err := url.Parse("https://" + rest)
	if err != nil {
		return KeyRequest{}, malformed("request uri %q: %w", raw, err)
	}
	if endpoint.Host == "" {
		return KeyRequest{}, malformed("request uri %q has no license host", raw)
	}

	return KeyRequest{
		URI:       raw,
		ContentID: ContentIdentifier(rest),
		Endpoint:  endpoint,
	}, nil
}
