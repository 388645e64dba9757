package provider

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct{ name string }

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Download(context.Context, string, Options) (*Result, error) {
	return &Result{}, nil
}

func TestRegistryGet(t *testing.T) {
	reg := NewRegistry(&fakeProvider{name: "ytdlp"}, &fakeProvider{name: "rapidapi"})

	p, err := reg.Get("ytdlp")
	require.NoError(t, err)
	assert.Equal(t, "ytdlp", p.Name())

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	assert.Equal(t, []string{"rapidapi", "ytdlp"}, reg.Names())
}

func TestRegistryCapabilityAssertions(t *testing.T) {
	y := NewYtdlp("yt-dlp", zerolog.Nop())
	reg := NewRegistry(y, &fakeProvider{name: "plain"})

	p, err := reg.Get("ytdlp")
	require.NoError(t, err)
	_, ok := p.(Infoer)
	assert.True(t, ok, "ytdlp should expose GetInfo")
	_, ok = p.(AudioDownloader)
	assert.True(t, ok, "ytdlp should expose DownloadAudio")

	p, err = reg.Get("plain")
	require.NoError(t, err)
	_, ok = p.(Infoer)
	assert.False(t, ok)
}

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		line  string
		ok    bool
		total int64
	}{
		{"[download]  42.5% of   10.00MiB at    1.20MiB/s ETA 00:05", true, 10 << 20},
		{"[download] 100.0% of 512.00KiB at 256.00KiB/s", true, 512 << 10},
		{"[download]  12.0% of ~  2.00GiB at  5.00MiB/s", true, 2 << 30},
		{"[youtube] abc: Downloading webpage", false, 0},
		{"", false, 0},
	}
	for _, tt := range tests {
		prog, ok := parseProgressLine(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		if tt.ok {
			assert.Equal(t, tt.total, prog.TotalBytes, tt.line)
			assert.Equal(t, "downloading", prog.Status)
		}
	}
}

func TestParseProgressDownloadedBytes(t *testing.T) {
	prog, ok := parseProgressLine("[download]  50.0% of   10.00MiB at    1.00MiB/s")
	require.True(t, ok)
	assert.InDelta(t, float64(5<<20), float64(prog.DownloadedBytes), float64(1<<10))
	assert.InDelta(t, float64(1<<20), prog.SpeedBytesPerSec, 1)
}

func TestIsCarousel(t *testing.T) {
	single := &Result{LocalPath: "/tmp/a.mp4"}
	assert.False(t, single.IsCarousel())

	multi := &Result{Items: []Result{{}, {}, {}}}
	assert.True(t, multi.IsCarousel())
}

func TestResultTimingsSplit(t *testing.T) {
	// PrepMs + DownloadMs partition the provider wall time.
	r := &Result{PrepMs: 300, DownloadMs: 4200}
	assert.Equal(t, int64(4500), r.PrepMs+r.DownloadMs)
}

func TestOptionsZeroTimeoutMeansNoDeadline(t *testing.T) {
	// Download with zero timeouts must not construct an already-expired context.
	var opts Options
	assert.Equal(t, time.Duration(0), opts.DownloadTimeout)
}
