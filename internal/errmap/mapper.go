// SPDX-License-Identifier: MIT

// Package errmap turns raw provider error text into localized user messages.
// Raw text is matched against an ordered rule list; the resulting key selects
// a template from the messages store. Provider output never reaches the user.
package errmap

import "strings"

// Template keys. "unknown" is the terminal fallback.
const (
	KeyPrivate     = "private"
	KeyTooLarge    = "too_large"
	KeyNotFound    = "not_found"
	KeyTimeout     = "timeout"
	KeyUnavailable = "unavailable"
	KeyRegion      = "region"
	KeyProcessing  = "processing"
	KeyConnection  = "connection"
	KeyAPI         = "api"
	KeyStory       = "story"
	KeyUnknown     = "unknown"
)

type rule struct {
	markers []string
	key     string
}

// Order matters: the first matching rule wins, specific before generic.
var rules = []rule{
	{[]string{"private", "login required", "sign in to confirm", "this account is private"}, KeyPrivate},
	{[]string{"file is too large", "too large", "exceeds maximum", "requested entity too large"}, KeyTooLarge},
	{[]string{"not found", "404", "no longer available", "video unavailable", "removed by the uploader", "does not exist"}, KeyNotFound},
	{[]string{"timed out", "timeout", "deadline exceeded"}, KeyTimeout},
	{[]string{"geo", "region", "available in your country", "blocked in your"}, KeyRegion},
	{[]string{"still processing", "is processing", "being processed", "live event will begin"}, KeyProcessing},
	{[]string{"connection reset", "connection refused", "broken pipe", "ssl", "eof", "network is unreachable", "temporary failure in name resolution"}, KeyConnection},
	{[]string{"api", "quota", "rate limit", "429", "403", "500", "502", "503"}, KeyAPI},
	{[]string{"unavailable", "unable to download", "unable to extract"}, KeyUnavailable},
}

// Map resolves raw provider error text to a template key. Instagram stories
// have a dedicated expiry message for the not-found class.
func Map(raw, sourceKey string) string {
	lower := strings.ToLower(raw)
	for _, r := range rules {
		for _, m := range r.markers {
			if strings.Contains(lower, m) {
				if r.key == KeyNotFound && sourceKey == "instagram_story" {
					return KeyStory
				}
				return r.key
			}
		}
	}
	return KeyUnknown
}
