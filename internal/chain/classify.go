// SPDX-License-Identifier: MIT

package chain

import "strings"

// Class labels a provider failure for telemetry and fallback policy.
type Class string

const (
	// ClassHardKill: instant fallback, do not re-hit the provider from this IP.
	ClassHardKill Class = "hard_kill"
	// ClassStall: worth one more attempt before falling through.
	ClassStall Class = "stall"
	// ClassProviderBug: log-only bucket for everything else.
	ClassProviderBug Class = "provider_bug"
)

var hardKillMarkers = []string{
	"ssl: unexpected_eof",
	"ssl_error_eof",
	"403 forbidden",
	"429 too many",
	"sign in to confirm",
	"login required",
	"private video",
	"age-restricted",
}

var stallMarkers = []string{
	"download stalled",
	"connection timeout",
	"incomplete read",
	"no progress",
	"connection reset",
	"server disconnected",
}

// Classify maps a raw provider error text to its class.
func Classify(errText string) Class {
	lower := strings.ToLower(errText)
	for _, m := range hardKillMarkers {
		if strings.Contains(lower, m) {
			return ClassHardKill
		}
	}
	for _, m := range stallMarkers {
		if strings.Contains(lower, m) {
			return ClassStall
		}
	}
	return ClassProviderBug
}

var transientMarkers = []string{
	"unable to extract",
	"no video formats",
	"connection reset",
	"timed out",
}

var permanentMarkers = []string{
	"private", "login", "sign in", "age", "region", "not available",
	"copyright", "removed", "deleted", "unavailable", "blocked",
	"restricted", "nsfw",
}

// isTransient reports whether a first-attempt failure is worth an in-place
// retry: a transient marker must match and no permanent marker may match.
func isTransient(errText string) bool {
	lower := strings.ToLower(errText)
	matched := false
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, m := range permanentMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	return true
}
