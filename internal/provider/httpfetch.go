// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// newHTTPClient builds a client whose dial phase honours connectTimeout.
// The overall request is bounded by the caller's context deadline instead
// of a socket timeout.
func newHTTPClient(connectTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
			TLSHandshakeTimeout: connectTimeout,
			MaxIdleConns:        10,
		},
	}
}

// fetchToFile streams fileURL into a uniquely named file under dir and
// returns the path, the byte count and the serving host.
func fetchToFile(ctx context.Context, client *http.Client, fileURL, dir, ext string) (string, int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", 0, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, "", fmt.Errorf("fetch returned HTTP %d", resp.StatusCode)
	}

	if ext == "" {
		ext = filepath.Ext(resp.Request.URL.Path)
		if ext == "" {
			ext = ".bin"
		}
	}
	path := filepath.Join(dir, uuid.NewString()+ext)
	f, err := os.Create(path) // #nosec G304 - dir is the service scratch directory
	if err != nil {
		return "", 0, "", fmt.Errorf("create output: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err != nil {
		_ = os.Remove(path)
		return "", 0, "", fmt.Errorf("stream body: %w", err)
	}
	if closeErr != nil {
		_ = os.Remove(path)
		return "", 0, "", fmt.Errorf("close output: %w", closeErr)
	}
	return path, n, hostOf(fileURL), nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
