// SPDX-License-Identifier: MIT

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// SavenowProvider drives the savenow.to-style convert/poll/fetch API. It is
// the large-file fallback for YouTube full videos.
type SavenowProvider struct {
	baseURL      string
	logger       zerolog.Logger
	pollInterval time.Duration
}

// NewSavenow builds a SavenowProvider.
func NewSavenow(baseURL string, logger zerolog.Logger) *SavenowProvider {
	return &SavenowProvider{baseURL: baseURL, logger: logger, pollInterval: 2 * time.Second}
}

// Name implements Provider.
func (s *SavenowProvider) Name() string { return "savenow" }

type savenowTask struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

type savenowStatus struct {
	Status      string `json:"status"` // pending|processing|done|failed
	DownloadURL string `json:"download_url"`
	Filename    string `json:"filename"`
	Title       string `json:"title"`
	Error       string `json:"error"`
}

// Download implements Provider.
func (s *SavenowProvider) Download(ctx context.Context, url string, opts Options) (*Result, error) {
	start := time.Now()

	if opts.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DownloadTimeout)
		defer cancel()
	}
	client := newHTTPClient(opts.ConnectTimeout)

	task, err := s.submit(ctx, client, url)
	if err != nil {
		return nil, err
	}

	status, err := s.poll(ctx, client, task.TaskID)
	if err != nil {
		return nil, err
	}

	prepMs := time.Since(start).Milliseconds()
	fetchStart := time.Now()
	path, size, host, err := fetchToFile(ctx, client, status.DownloadURL, opts.OutDir, "")
	if err != nil {
		return nil, fmt.Errorf("savenow: fetch media: %w", err)
	}

	return &Result{
		LocalPath:         path,
		SuggestedFilename: status.Filename,
		FileSize:          size,
		Info: MediaInfo{
			Title:    status.Title,
			Platform: "youtube",
		},
		PrepMs:       prepMs,
		DownloadMs:   time.Since(fetchStart).Milliseconds(),
		DownloadHost: host,
	}, nil
}

func (s *SavenowProvider) submit(ctx context.Context, client *http.Client, url string) (*savenowTask, error) {
	body, _ := json.Marshal(map[string]string{"url": url})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/convert", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("savenow: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("savenow: %w", err)
	}
	defer resp.Body.Close()

	var task savenowTask
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("savenow: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || task.Error != "" {
		if task.Error == "" {
			task.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("savenow: %s", task.Error)
	}
	if task.TaskID == "" {
		return nil, fmt.Errorf("savenow: empty task id")
	}
	return &task, nil
}

func (s *SavenowProvider) poll(ctx context.Context, client *http.Client, taskID string) (*savenowStatus, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("savenow: conversion timed out: %w", ctx.Err())
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/status/"+taskID, nil)
		if err != nil {
			return nil, fmt.Errorf("savenow: build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("savenow: %w", err)
		}

		var status savenowStatus
		decodeErr := json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("savenow: decode status: %w", decodeErr)
		}

		switch status.Status {
		case "done":
			if status.DownloadURL == "" {
				return nil, fmt.Errorf("savenow: done without download url")
			}
			return &status, nil
		case "failed":
			if status.Error == "" {
				status.Error = "conversion failed"
			}
			return nil, fmt.Errorf("savenow: %s", status.Error)
		}
	}
}
