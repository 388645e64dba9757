// SPDX-License-Identifier: MIT

// Package postproc normalizes downloaded media with ffmpeg before delivery.
// Every step is best-effort: a failed fix returns the input untouched so the
// pipeline can still deliver the original file.
package postproc

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/savebot/savebot/internal/slots"
)

// Config bounds the processor.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	Workers     int64
}

// Processor serializes ffmpeg work behind an in-process semaphore and an
// advisory shared slot counter.
type Processor struct {
	ffmpeg  string
	ffprobe string
	sem     *semaphore.Weighted
	slots   *slots.Controller
	logger  zerolog.Logger
}

func New(cfg Config, sl *slots.Controller, logger zerolog.Logger) *Processor {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Processor{
		ffmpeg:  cfg.FFmpegPath,
		ffprobe: cfg.FFprobePath,
		sem:     semaphore.NewWeighted(cfg.Workers),
		slots:   sl,
		logger:  logger.With().Str("component", "postproc").Logger(),
	}
}

// run executes ffmpeg under both concurrency guards. The shared slot is
// advisory: exhaustion is logged but does not block, the local semaphore is
// the hard bound.
func (p *Processor) run(ctx context.Context, args []string) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	if p.slots != nil {
		if err := p.slots.AcquireFFmpeg(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("shared ffmpeg slot unavailable, proceeding on local bound")
		} else {
			defer p.slots.ReleaseFFmpeg(ctx)
		}
	}

	// #nosec G204 - ffmpeg binary is fixed at construction; args are built internally
	cmd := exec.CommandContext(ctx, p.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		errStr := stderr.String()
		if len(errStr) > 4096 {
			errStr = errStr[:4096] + "..."
		}
		return fmt.Errorf("ffmpeg: %w (stderr: %s)", err, errStr)
	}
	return nil
}

func (p *Processor) tempPath(dir, ext string) string {
	return filepath.Join(dir, uuid.NewString()+ext)
}

// FixVideo re-encodes when the codec or sample aspect ratio would render
// wrong in the messenger client. h264 with square pixels passes through.
// Failures return the input path with a warn log.
func (p *Processor) FixVideo(ctx context.Context, path string) string {
	info, err := p.Probe(ctx, path)
	if err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("probe failed, skipping video fix")
		return path
	}
	if info.CodecName == "h264" && info.IsSquareSAR() {
		return path
	}

	out := p.tempPath(filepath.Dir(path), ".mp4")
	args := buildFixArgs(path, out, info)
	if err := p.run(ctx, args); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("video fix failed, delivering original")
		removeQuiet(out)
		return path
	}
	removeQuiet(path)
	return out
}

// buildFixArgs chooses between a full re-encode (foreign codec) and a
// scale+setsar re-encode (anamorphic h264).
func buildFixArgs(in, out string, info *StreamInfo) []string {
	args := []string{"-y", "-i", in}
	if info.CodecName != "h264" {
		args = append(args,
			"-c:v", "libx264", "-preset", "fast", "-crf", "20",
			"-c:a", "aac", "-b:a", "128k",
		)
	} else {
		w, h, ok := scaledDimensions(info.Width, info.Height, info.SAR)
		if !ok {
			w, h = info.Width, info.Height
		}
		args = append(args,
			"-vf", fmt.Sprintf("scale=%d:%d,setsar=1:1", w, h),
			"-c:v", "libx264", "-preset", "fast", "-crf", "20",
			"-c:a", "copy",
		)
	}
	args = append(args, "-movflags", "+faststart", out)
	return args
}

// EnsureFaststart remuxes so the moov atom leads the file, letting clients
// start playback before the download completes. Stream copy only.
func (p *Processor) EnsureFaststart(ctx context.Context, path string) string {
	out := p.tempPath(filepath.Dir(path), ".mp4")
	args := []string{
		"-y", "-i", path,
		"-c", "copy",
		"-movflags", "+faststart",
		"-fflags", "+genpts",
		out,
	}
	if err := p.run(ctx, args); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("faststart remux failed, delivering original")
		removeQuiet(out)
		return path
	}
	removeQuiet(path)
	return out
}

// MergeStreams muxes separate video and audio tracks into one container
// without re-encoding. A bitstream filter rewrites the SAR in-band where the
// codec supports it; the container-level -aspect flag distorts players that
// honor both, so it is never used.
func (p *Processor) MergeStreams(ctx context.Context, videoPath, audioPath, codec string) (string, error) {
	out := p.tempPath(filepath.Dir(videoPath), ".mp4")
	args := buildMergeArgs(videoPath, audioPath, out, codec)
	if err := p.run(ctx, args); err != nil {
		removeQuiet(out)
		return "", err
	}
	removeQuiet(videoPath)
	removeQuiet(audioPath)
	return out, nil
}

func buildMergeArgs(videoPath, audioPath, out, codec string) []string {
	args := []string{
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c", "copy",
		"-map", "0:v:0", "-map", "1:a:0",
	}
	switch codec {
	case "h264", "avc1":
		args = append(args, "-bsf:v", "h264_metadata=sample_aspect_ratio=1/1")
	case "hevc", "hvc1", "hev1":
		args = append(args, "-bsf:v", "hevc_metadata=sample_aspect_ratio=1/1")
	}
	args = append(args, "-movflags", "+faststart", out)
	return args
}

// ExtractAudio produces an mp3 track from the given video.
func (p *Processor) ExtractAudio(ctx context.Context, videoPath string) (string, error) {
	out := p.tempPath(filepath.Dir(videoPath), ".mp3")
	args := []string{
		"-y", "-i", videoPath,
		"-vn",
		"-c:a", "libmp3lame", "-q:a", "2",
		out,
	}
	if err := p.run(ctx, args); err != nil {
		removeQuiet(out)
		return "", err
	}
	return out, nil
}

func removeQuiet(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

func isVerticalShape(width, height int) bool {
	return height > width && width > 0
}
