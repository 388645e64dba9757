// SPDX-License-Identifier: MIT

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// YtdlpProvider shells out to yt-dlp. It is the only provider that surfaces
// live progress, parsed from the --newline progress stream.
type YtdlpProvider struct {
	binary string
	logger zerolog.Logger
}

// NewYtdlp builds a YtdlpProvider. An empty binary resolves yt-dlp on PATH.
func NewYtdlp(binary string, logger zerolog.Logger) *YtdlpProvider {
	if binary == "" {
		binary = "yt-dlp"
	}
	if p, err := exec.LookPath(binary); err == nil {
		binary = p
	}
	return &YtdlpProvider{binary: binary, logger: logger}
}

// Name implements Provider.
func (y *YtdlpProvider) Name() string { return "ytdlp" }

// progressLine matches "[download]  42.5% of   10.00MiB at    1.20MiB/s ETA 00:05".
var progressLine = regexp.MustCompile(`\[download\]\s+([\d.]+)% of ~?\s*([\d.]+)(KiB|MiB|GiB)(?: at\s+([\d.]+)(KiB|MiB|GiB)/s)?`)

// Download implements Provider.
func (y *YtdlpProvider) Download(ctx context.Context, url string, opts Options) (*Result, error) {
	return y.run(ctx, url, opts, nil)
}

// DownloadAudio implements AudioDownloader via -x --audio-format mp3.
func (y *YtdlpProvider) DownloadAudio(ctx context.Context, url string, opts Options) (*Result, error) {
	return y.run(ctx, url, opts, []string{"-x", "--audio-format", "mp3"})
}

func (y *YtdlpProvider) run(ctx context.Context, url string, opts Options, extra []string) (*Result, error) {
	start := time.Now()

	if opts.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DownloadTimeout)
		defer cancel()
	}

	uid := uuid.NewString()
	outTemplate := filepath.Join(opts.OutDir, uid+".%(ext)s")

	args := []string{
		"--newline",
		"--no-playlist",
		"--no-cache-dir",
		"--restrict-filenames",
		"--write-info-json",
		"--socket-timeout", strconv.Itoa(int(opts.ConnectTimeout.Seconds())),
		"-o", outTemplate,
	}
	args = append(args, extra...)
	args = append(args, url)

	// #nosec G204 - binary is resolved at construction; args are controlled
	cmd := exec.CommandContext(ctx, y.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ytdlp: pipe stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ytdlp: start: %w", err)
	}

	var firstByte time.Time
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		prog, ok := parseProgressLine(line)
		if !ok {
			continue
		}
		if firstByte.IsZero() {
			firstByte = time.Now()
		}
		if opts.OnProgress != nil {
			opts.OnProgress(prog)
		}
	}

	if err := cmd.Wait(); err != nil {
		errText := strings.TrimSpace(stderr.String())
		if errText == "" {
			errText = err.Error()
		}
		if len(errText) > 4096 {
			errText = errText[:4096]
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("ytdlp: download timed out: %s", errText)
		}
		return nil, fmt.Errorf("ytdlp: %s", errText)
	}

	path, err := findOutput(opts.OutDir, uid)
	if err != nil {
		return nil, fmt.Errorf("ytdlp: %w", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("ytdlp: stat output: %w", err)
	}

	res := &Result{
		LocalPath:         path,
		SuggestedFilename: filepath.Base(path),
		FileSize:          fi.Size(),
	}
	if firstByte.IsZero() {
		res.DownloadMs = time.Since(start).Milliseconds()
	} else {
		res.PrepMs = firstByte.Sub(start).Milliseconds()
		res.DownloadMs = time.Since(firstByte).Milliseconds()
	}
	if meta, merr := readInfoSidecar(opts.OutDir, uid); merr != nil {
		y.logger.Debug().Err(merr).Msg("ytdlp info sidecar unavailable")
	} else {
		res.Info.Title = meta.Title
		res.Info.ThumbnailURL = meta.Thumbnail
		res.DownloadHost = meta.host()
	}
	return res, nil
}

// ytdlpSidecar is the subset of the --write-info-json payload the pipeline
// consumes.
type ytdlpSidecar struct {
	Title              string `json:"title"`
	Thumbnail          string `json:"thumbnail"`
	RequestedDownloads []struct {
		URL string `json:"url"`
	} `json:"requested_downloads"`
	URL string `json:"url"`
}

// host extracts the CDN hostname from the chosen format's URL.
func (s *ytdlpSidecar) host() string {
	raw := s.URL
	if len(s.RequestedDownloads) > 0 && s.RequestedDownloads[0].URL != "" {
		raw = s.RequestedDownloads[0].URL
	}
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// readInfoSidecar parses and removes the metadata file yt-dlp wrote next to
// the media output.
func readInfoSidecar(dir, uid string) (*ytdlpSidecar, error) {
	path := filepath.Join(dir, uid+".info.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	var meta ytdlpSidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("info sidecar decode: %w", err)
	}
	return &meta, nil
}

// GetInfo implements Infoer via --dump-json without downloading.
func (y *YtdlpProvider) GetInfo(ctx context.Context, url string) (*Info, error) {
	args := []string{"--dump-json", "--no-download", "--no-playlist", url}
	// #nosec G204
	cmd := exec.CommandContext(ctx, y.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		errText := strings.TrimSpace(stderr.String())
		if errText == "" {
			errText = err.Error()
		}
		return nil, fmt.Errorf("ytdlp: info: %s", errText)
	}

	var meta struct {
		Title     string  `json:"title"`
		Duration  float64 `json:"duration"`
		Thumbnail string  `json:"thumbnail"`
	}
	if err := json.Unmarshal(out, &meta); err != nil {
		return nil, fmt.Errorf("ytdlp: info decode: %w", err)
	}
	return &Info{
		Title:        meta.Title,
		DurationSec:  int(meta.Duration),
		ThumbnailURL: meta.Thumbnail,
	}, nil
}

func parseProgressLine(line string) (Progress, bool) {
	m := progressLine.FindStringSubmatch(line)
	if m == nil {
		return Progress{}, false
	}
	pct, _ := strconv.ParseFloat(m[1], 64)
	total := sizeToBytes(m[2], m[3])
	prog := Progress{
		TotalBytes:      total,
		DownloadedBytes: int64(pct / 100 * float64(total)),
		Status:          "downloading",
	}
	if m[4] != "" {
		prog.SpeedBytesPerSec = float64(sizeToBytes(m[4], m[5]))
	}
	return prog, true
}

func sizeToBytes(num, unit string) int64 {
	v, _ := strconv.ParseFloat(num, 64)
	switch unit {
	case "KiB":
		v *= 1 << 10
	case "MiB":
		v *= 1 << 20
	case "GiB":
		v *= 1 << 30
	}
	return int64(v)
}

func findOutput(dir, uid string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, uid+".*"))
	if err != nil {
		return "", fmt.Errorf("no output file produced")
	}
	for _, m := range matches {
		// The metadata sidecar shares the output prefix.
		if strings.HasSuffix(m, ".info.json") {
			continue
		}
		return m, nil
	}
	return "", fmt.Errorf("no output file produced")
}
