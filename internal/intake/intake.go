// SPDX-License-Identifier: MIT

// Package intake extracts, resolves and classifies media URLs from chat text.
package intake

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Platform identifies the source social network.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
	PlatformPinterest Platform = "pinterest"
)

// Bucket is the finer-grained content class within a platform.
type Bucket string

const (
	BucketShorts   Bucket = "shorts"
	BucketFull     Bucket = "full"
	BucketReel     Bucket = "reel"
	BucketStory    Bucket = "story"
	BucketPost     Bucket = "post"
	BucketCarousel Bucket = "carousel"
	BucketVideo    Bucket = "video"
)

// ErrUnsupportedHost is returned for URLs outside the supported host set.
var ErrUnsupportedHost = errors.New("intake: unsupported host")

// urlPattern matches the first URL of the supported host set, case-insensitive.
var urlPattern = regexp.MustCompile(`(?i)https?://(?:www\.)?(?:[a-z0-9-]+\.)*(?:tiktok\.com|instagram\.com|instagr\.am|youtube\.com|youtu\.be|pinterest\.[a-z.]+|pin\.it)/[^\s]*`)

// shortHosts are redirect hosts that must be resolved before classification.
var shortHosts = []string{"pin.it", "vt.tiktok.com", "vm.tiktok.com", "instagr.am"}

const resolveTimeout = 10 * time.Second

// ExtractURL returns the first supported URL found in text.
func ExtractURL(text string) (string, bool) {
	m := urlPattern.FindString(text)
	if m == "" {
		return "", false
	}
	return strings.TrimRight(m, ".,;)"), true
}

// Resolver follows short-link redirects to the final media URL.
type Resolver struct {
	client *http.Client
}

// NewResolver builds a Resolver. A nil client selects a default with a 10 s deadline.
func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: resolveTimeout}
	}
	return &Resolver{client: client}
}

// ResolveShortURL issues a redirect-following HEAD request for known short
// hosts and returns the final URL. On any failure the input is returned.
func (r *Resolver) ResolveShortURL(ctx context.Context, raw string) string {
	if !isShortURL(raw) {
		return raw
	}
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, raw, nil)
	if err != nil {
		return raw
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return raw
	}
	defer resp.Body.Close()

	if final := resp.Request.URL.String(); final != "" {
		return final
	}
	return raw
}

func isShortURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	for _, h := range shortHosts {
		if host == h {
			return true
		}
	}
	// tiktok.com/t/<code> short form shares the canonical host
	if strings.HasSuffix(host, "tiktok.com") && strings.HasPrefix(u.Path, "/t/") {
		return true
	}
	return false
}

// Classify derives (platform, bucket) from a resolved URL.
func Classify(raw string) (Platform, Bucket, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", ErrUnsupportedHost
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	path := strings.ToLower(u.Path)

	switch {
	case strings.Contains(host, "youtube.com") || host == "youtu.be":
		if strings.Contains(path, "/shorts/") {
			return PlatformYouTube, BucketShorts, nil
		}
		return PlatformYouTube, BucketFull, nil
	case strings.Contains(host, "tiktok.com"):
		return PlatformTikTok, BucketVideo, nil
	case strings.Contains(host, "instagram.com") || host == "instagr.am":
		switch {
		case strings.Contains(path, "/reel"):
			return PlatformInstagram, BucketReel, nil
		case strings.Contains(path, "/stories/"):
			return PlatformInstagram, BucketStory, nil
		default:
			return PlatformInstagram, BucketPost, nil
		}
	case strings.Contains(host, "pinterest.") || host == "pin.it":
		return PlatformPinterest, BucketVideo, nil
	}
	return "", "", ErrUnsupportedHost
}

// SourceKey maps (platform, bucket) to the routing source key.
func SourceKey(p Platform, b Bucket) string {
	switch p {
	case PlatformYouTube:
		if b == BucketShorts {
			return "youtube_shorts"
		}
		return "youtube_full"
	case PlatformInstagram:
		return "instagram_" + string(b)
	default:
		return string(p)
	}
}

// Canonicalize strips tracking query parameters and fragments so that URLs
// differing only in those produce identical fingerprints. The YouTube video
// id lives in the query, so `v` survives for /watch URLs.
func Canonicalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Host = strings.ToLower(u.Host)
	if strings.Contains(u.Host, "youtube.com") && strings.HasPrefix(u.Path, "/watch") {
		if v := u.Query().Get("v"); v != "" {
			u.RawQuery = "v=" + url.QueryEscape(v)
		} else {
			u.RawQuery = ""
		}
	} else {
		u.RawQuery = ""
	}
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
