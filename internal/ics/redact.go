package ics

import "net/url"

// redactURL hides the path and query of a feed URL for logging. Private
// calendar links usually carry their secret there.
//
//	https://example.com/private/abc.ics?token=x -> https://example.com/...(redacted)
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
