// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"encoding/json"

	"github.com/rs/zerolog"
)

// RapidAPIProvider wraps a RapidAPI social downloader endpoint. It is the
// only provider that returns multi-item results (instagram carousels) and
// the only one with a metered quota, read from the response headers.
type RapidAPIProvider struct {
	baseURL string
	apiKey  string
	logger  zerolog.Logger
}

// NewRapidAPI builds a RapidAPIProvider.
func NewRapidAPI(baseURL, apiKey string, logger zerolog.Logger) *RapidAPIProvider {
	return &RapidAPIProvider{baseURL: baseURL, apiKey: apiKey, logger: logger}
}

// Name implements Provider.
func (r *RapidAPIProvider) Name() string { return "rapidapi" }

type rapidAPIItem struct {
	Type  string `json:"type"` // photo|video
	URL   string `json:"url"`
	Thumb string `json:"thumb"`
}

type rapidAPIResponse struct {
	Title  string         `json:"title"`
	Author string         `json:"author"`
	Items  []rapidAPIItem `json:"items"`
	Error  string         `json:"error"`
}

// Download implements Provider.
func (r *RapidAPIProvider) Download(ctx context.Context, mediaURL string, opts Options) (*Result, error) {
	start := time.Now()

	if opts.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DownloadTimeout)
		defer cancel()
	}
	client := newHTTPClient(opts.ConnectTimeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/media?url="+url.QueryEscape(mediaURL), nil)
	if err != nil {
		return nil, fmt.Errorf("rapidapi: build request: %w", err)
	}
	req.Header.Set("X-RapidAPI-Key", r.apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rapidapi: %w", err)
	}
	defer resp.Body.Close()

	var quota *int64
	if h := resp.Header.Get("X-RateLimit-Requests-Remaining"); h != "" {
		if n, err := strconv.ParseInt(h, 10, 64); err == nil {
			quota = &n
		}
	}

	var payload rapidAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("rapidapi: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || payload.Error != "" {
		if payload.Error == "" {
			payload.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("rapidapi: %s", payload.Error)
	}
	if len(payload.Items) == 0 {
		return nil, fmt.Errorf("rapidapi: no media in response")
	}

	prepMs := time.Since(start).Milliseconds()
	fetchStart := time.Now()

	items := make([]Result, 0, len(payload.Items))
	var totalSize int64
	for _, item := range payload.Items {
		path, size, host, err := fetchToFile(ctx, client, item.URL, opts.OutDir, extForType(item.Type))
		if err != nil {
			// One lost carousel index invalidates the whole post: items
			// share a single lifecycle.
			cleanupItems(items)
			return nil, fmt.Errorf("rapidapi: fetch media: %w", err)
		}
		totalSize += size
		items = append(items, Result{
			LocalPath: path,
			FileSize:  size,
			IsPhoto:   item.Type == "photo",
			Info: MediaInfo{
				Title:        payload.Title,
				Author:       payload.Author,
				ThumbnailURL: item.Thumb,
			},
			DownloadHost: host,
		})
	}

	res := items[0]
	res.QuotaRemaining = quota
	res.PrepMs = prepMs
	res.DownloadMs = time.Since(fetchStart).Milliseconds()
	if len(items) > 1 {
		res.FileSize = totalSize
		res.Items = items
	}
	return &res, nil
}

func extForType(t string) string {
	if t == "photo" {
		return ".jpg"
	}
	return ".mp4"
}

func cleanupItems(items []Result) {
	for _, it := range items {
		removeQuiet(it.LocalPath)
	}
}
