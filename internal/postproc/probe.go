// SPDX-License-Identifier: MIT

package postproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// StreamInfo is the probe summary the pipeline decides on.
type StreamInfo struct {
	Width       int
	Height      int
	CodecName   string
	SAR         string // raw sample_aspect_ratio, e.g. "1:1", "4:3", "N/A"
	DurationSec int
}

// IsSquareSAR reports whether the sample aspect ratio needs no correction.
func (s *StreamInfo) IsSquareSAR() bool {
	switch s.SAR {
	case "", "1:1", "N/A":
		return true
	}
	return false
}

type probeData struct {
	Streams []struct {
		CodecType         string `json:"codec_type"`
		CodecName         string `json:"codec_name"`
		Width             int    `json:"width,omitempty"`
		Height            int    `json:"height,omitempty"`
		SampleAspectRatio string `json:"sample_aspect_ratio,omitempty"`
		Duration          string `json:"duration,omitempty"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe executes ffprobe and returns the first video stream's parameters.
func (p *Processor) Probe(ctx context.Context, path string) (*StreamInfo, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	// #nosec G204 - ffprobe is hardcoded; args are strictly controlled and path is opaque
	cmd := exec.CommandContext(ctx, p.ffprobe, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()

	var data probeData
	jsonErr := json.Unmarshal(out, &data)
	if jsonErr != nil {
		if err != nil {
			errStr := stderr.String()
			if len(errStr) > 4096 {
				errStr = errStr[:4096] + "..."
			}
			return nil, fmt.Errorf("ffprobe failed: %w (stderr: %s)", err, errStr)
		}
		return nil, fmt.Errorf("ffprobe json decode: %w", jsonErr)
	}

	info := &StreamInfo{}
	for _, s := range data.Streams {
		if s.CodecType != "video" {
			continue
		}
		info.Width = s.Width
		info.Height = s.Height
		info.CodecName = s.CodecName
		info.SAR = s.SampleAspectRatio
		if s.Duration != "" {
			if d, perr := strconv.ParseFloat(s.Duration, 64); perr == nil {
				info.DurationSec = int(d)
			}
		}
		break
	}
	if info.DurationSec == 0 && data.Format.Duration != "" {
		if d, perr := strconv.ParseFloat(data.Format.Duration, 64); perr == nil {
			info.DurationSec = int(d)
		}
	}
	if info.Width == 0 && info.Height == 0 {
		return nil, fmt.Errorf("ffprobe found no video stream")
	}
	return info, nil
}

// scaledDimensions applies the SAR to the pixel width so that clients that
// ignore SAR metadata still render the correct shape. Both dimensions are
// forced even for the encoder.
func scaledDimensions(width, height int, sar string) (int, int, bool) {
	parts := strings.SplitN(sar, ":", 2)
	if len(parts) != 2 {
		return width, height, false
	}
	num, err1 := strconv.Atoi(parts[0])
	den, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || num <= 0 || den <= 0 || num == den {
		return width, height, false
	}
	newWidth := int(float64(width)*float64(num)/float64(den) + 0.5)
	if newWidth%2 != 0 {
		newWidth++
	}
	if height%2 != 0 {
		height++
	}
	return newWidth, height, true
}
