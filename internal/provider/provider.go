// SPDX-License-Identifier: MIT

// Package provider defines the uniform adapter over external download SDKs
// and the registry that maps routing names to implementations.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Progress is a snapshot of an in-flight download.
type Progress struct {
	DownloadedBytes  int64
	TotalBytes       int64
	SpeedBytesPerSec float64
	Status           string
}

// ProgressFunc receives progress snapshots. Implementations must not block.
type ProgressFunc func(Progress)

// Options bound a single provider invocation.
type Options struct {
	ConnectTimeout  time.Duration
	DownloadTimeout time.Duration
	OutDir          string
	OnProgress      ProgressFunc
}

// MediaInfo carries presentation metadata for the downloaded media.
type MediaInfo struct {
	Title        string
	Author       string
	ThumbnailURL string
	Platform     string
}

// Result is the product of a provider invocation. For instagram carousels
// Items holds the ordered media sequence and the top-level fields describe
// the first item.
type Result struct {
	LocalPath         string
	SuggestedFilename string
	FileSize          int64
	IsPhoto           bool
	Info              MediaInfo

	// Provider is stamped by the chain executor with the winning adapter.
	Provider string

	// AudioTrackPath is set when the source serves adaptive streams and the
	// audio arrived as a separate file. The post-processor muxes the pair.
	AudioTrackPath string
	VideoCodec     string

	QuotaRemaining *int64
	PrepMs         int64
	DownloadMs     int64
	DownloadHost   string

	Items []Result
}

// IsCarousel reports whether the result is a multi-media post.
func (r *Result) IsCarousel() bool { return len(r.Items) > 1 }

// Info is the product of a metadata-only probe.
type Info struct {
	Title        string
	DurationSec  int
	ThumbnailURL string
}

// Provider downloads media from a resolved URL to a local file.
type Provider interface {
	Name() string
	Download(ctx context.Context, url string, opts Options) (*Result, error)
}

// Infoer is the optional metadata capability.
type Infoer interface {
	GetInfo(ctx context.Context, url string) (*Info, error)
}

// AudioDownloader is the optional audio-extraction capability.
type AudioDownloader interface {
	DownloadAudio(ctx context.Context, url string, opts Options) (*Result, error)
}

// ErrUnknownProvider is returned for routing names with no implementation.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// Registry maps routing names to provider implementations.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a Registry over the given providers.
func NewRegistry(providers ...Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered routing names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
