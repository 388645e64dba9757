// SPDX-License-Identifier: MIT

package postproc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	thumbMaxSide    = 320
	thumbFetchLimit = 10 << 20
)

// PrepareThumbnail produces a messenger-compliant JPEG thumbnail, at most
// 320 px on the longer side. Vertical clips get a frame extracted from the
// video instead of the provider thumbnail, whose letterboxed variant renders
// badly in previews. Returns "" when no thumbnail could be produced; the
// caller delivers without one.
func (p *Processor) PrepareThumbnail(ctx context.Context, thumbURL, videoPath string, info *StreamInfo) string {
	dir := filepath.Dir(videoPath)

	if info != nil && isVerticalShape(info.Width, info.Height) {
		if out := p.frameThumbnail(ctx, videoPath, dir); out != "" {
			return out
		}
	}
	if thumbURL == "" {
		return ""
	}

	src, err := p.fetchThumbnail(ctx, thumbURL, dir)
	if err != nil {
		p.logger.Debug().Err(err).Str("url", thumbURL).Msg("thumbnail fetch failed")
		return ""
	}
	defer removeQuiet(src)

	out := p.tempPath(dir, ".jpg")
	args := []string{
		"-y", "-i", src,
		"-vf", fmt.Sprintf("scale='min(%d,iw)':-2", thumbMaxSide),
		"-frames:v", "1",
		"-q:v", "5",
		out,
	}
	if err := p.run(ctx, args); err != nil {
		p.logger.Debug().Err(err).Msg("thumbnail downscale failed")
		removeQuiet(out)
		return ""
	}
	return out
}

// frameThumbnail grabs a frame one second in, already scaled down.
func (p *Processor) frameThumbnail(ctx context.Context, videoPath, dir string) string {
	out := p.tempPath(dir, ".jpg")
	args := []string{
		"-y",
		"-ss", "1.0",
		"-i", videoPath,
		"-vf", fmt.Sprintf("scale=-2:'min(%d,ih)'", thumbMaxSide),
		"-frames:v", "1",
		"-q:v", "5",
		out,
	}
	if err := p.run(ctx, args); err != nil {
		p.logger.Debug().Err(err).Msg("frame extraction failed")
		removeQuiet(out)
		return ""
	}
	return out
}

func (p *Processor) fetchThumbnail(ctx context.Context, rawURL, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("thumbnail fetch: status %d", resp.StatusCode)
	}

	path := p.tempPath(dir, ".img")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(f, io.LimitReader(resp.Body, thumbFetchLimit))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		removeQuiet(path)
		return "", err
	}
	return path, nil
}
