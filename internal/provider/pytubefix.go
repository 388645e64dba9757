// SPDX-License-Identifier: MIT

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// PytubefixProvider talks to a sidecar extractor service. It doubles as the
// cheap metadata source for the YouTube duration preflight.
type PytubefixProvider struct {
	baseURL string
	logger  zerolog.Logger
}

// NewPytubefix builds a PytubefixProvider against the given base URL.
func NewPytubefix(baseURL string, logger zerolog.Logger) *PytubefixProvider {
	return &PytubefixProvider{baseURL: baseURL, logger: logger}
}

// Name implements Provider.
func (p *PytubefixProvider) Name() string { return "pytubefix" }

type pytubefixDownloadResponse struct {
	FileURL  string `json:"file_url"`
	AudioURL string `json:"audio_url"` // set for adaptive streams above progressive quality
	Codec    string `json:"codec"`
	Filename string `json:"filename"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	Thumb    string `json:"thumbnail"`
	Error    string `json:"error"`
}

// Download implements Provider.
func (p *PytubefixProvider) Download(ctx context.Context, url string, opts Options) (*Result, error) {
	start := time.Now()

	if opts.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DownloadTimeout)
		defer cancel()
	}
	client := newHTTPClient(opts.ConnectTimeout)

	body, _ := json.Marshal(map[string]string{"url": url})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/download", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("pytubefix: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pytubefix: %w", err)
	}
	defer resp.Body.Close()

	var dl pytubefixDownloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&dl); err != nil {
		return nil, fmt.Errorf("pytubefix: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || dl.Error != "" {
		if dl.Error == "" {
			dl.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("pytubefix: %s", dl.Error)
	}
	if dl.FileURL == "" {
		return nil, fmt.Errorf("pytubefix: no video formats in response")
	}

	prepMs := time.Since(start).Milliseconds()
	fetchStart := time.Now()
	path, size, host, err := fetchToFile(ctx, client, dl.FileURL, opts.OutDir, filepath.Ext(dl.Filename))
	if err != nil {
		return nil, fmt.Errorf("pytubefix: fetch media: %w", err)
	}

	var audioPath string
	if dl.AudioURL != "" {
		audioPath, _, _, err = fetchToFile(ctx, client, dl.AudioURL, opts.OutDir, ".m4a")
		if err != nil {
			removeQuiet(path)
			return nil, fmt.Errorf("pytubefix: fetch audio track: %w", err)
		}
	}

	return &Result{
		LocalPath:         path,
		SuggestedFilename: dl.Filename,
		FileSize:          size,
		AudioTrackPath:    audioPath,
		VideoCodec:        dl.Codec,
		Info: MediaInfo{
			Title:        dl.Title,
			Author:       dl.Author,
			ThumbnailURL: dl.Thumb,
			Platform:     "youtube",
		},
		PrepMs:       prepMs,
		DownloadMs:   time.Since(fetchStart).Milliseconds(),
		DownloadHost: host,
	}, nil
}

// GetInfo implements Infoer.
func (p *PytubefixProvider) GetInfo(ctx context.Context, url string) (*Info, error) {
	client := newHTTPClient(5 * time.Second)

	body, _ := json.Marshal(map[string]string{"url": url})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/info", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("pytubefix: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pytubefix: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pytubefix: info returned HTTP %d", resp.StatusCode)
	}
	var meta struct {
		Title     string `json:"title"`
		Duration  int    `json:"duration"`
		Thumbnail string `json:"thumbnail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("pytubefix: info decode: %w", err)
	}
	return &Info{Title: meta.Title, DurationSec: meta.Duration, ThumbnailURL: meta.Thumbnail}, nil
}
