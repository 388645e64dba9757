// SPDX-License-Identifier: MIT

package delivery

import (
	"fmt"
	"strings"
)

const (
	captionTitleMax = 200
	signature       = "@savebot"
)

// BuildCaption renders the delivery caption. Full-length YouTube videos get
// title, quality and duration; everything else carries only the signature.
func BuildCaption(sourceKey, title, quality string, durationSec int) string {
	if sourceKey != "youtube_full" {
		return signature
	}
	var b strings.Builder
	if t := truncate(strings.TrimSpace(title), captionTitleMax); t != "" {
		b.WriteString(t)
		b.WriteString("\n")
	}
	meta := make([]string, 0, 2)
	if quality != "" {
		meta = append(meta, quality)
	}
	if durationSec > 0 {
		meta = append(meta, FormatDuration(durationSec))
	}
	if len(meta) > 0 {
		b.WriteString(strings.Join(meta, " | "))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(signature)
	return b.String()
}

// FormatDuration renders H:MM:SS, dropping the hour field under one hour.
func FormatDuration(sec int) string {
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
