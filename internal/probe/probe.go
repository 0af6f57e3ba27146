// SPDX-License-Identifier: MIT

// Package probe extracts technical stream data from media files with
// ffprobe. The probed values populate the forced-local fields (runtime,
// codecs, resolution and friends) which providers are never allowed to
// overwrite.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/log"
	"github.com/mediacurator/curator/internal/store"
)

// DefaultTimeout bounds one ffprobe invocation.
const DefaultTimeout = 30 * time.Second

// Prober runs ffprobe and persists the result.
type Prober struct {
	store   *store.Store
	binary  string
	timeout time.Duration
}

// New wires a prober. An empty binary means "ffprobe" from PATH.
func New(st *store.Store, binary string, timeout time.Duration) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{store: st, binary: binary, timeout: timeout}
}

// ffprobe JSON shapes, reduced to the fields curator stores.
type ffprobeStream struct {
	CodecType          string `json:"codec_type"`
	CodecName          string `json:"codec_name"`
	Width              int    `json:"width"`
	Height             int    `json:"height"`
	DisplayAspectRatio string `json:"display_aspect_ratio"`
	BitRate            string `json:"bit_rate"`
	RFrameRate         string `json:"r_frame_rate"`
	Channels           int    `json:"channels"`
	Tags               struct {
		Language string `json:"language"`
	} `json:"tags"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

// Probe runs ffprobe on the file and returns the parsed streams. Process
// failures classify as PROCESS, which the retry taxonomy treats as
// retryable; a malformed payload is terminal.
func (p *Prober) Probe(ctx context.Context, path string) (*store.VideoStream, []*store.AudioStream, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return nil, nil, errdef.Wrap(errdef.CodeProcess, err, "ffprobe %s", path)
	}
	return parseOutput(stdout.Bytes(), path)
}

// ProbeAndStore probes the entity's media file and replaces its stream
// rows in one transaction.
func (p *Prober) ProbeAndStore(ctx context.Context, ref store.EntityRef, path string) error {
	video, audio, err := p.Probe(ctx, path)
	if err != nil {
		return err
	}
	if video != nil {
		video.Entity = ref
	}
	for _, a := range audio {
		a.Entity = ref
	}
	if err := p.store.ReplaceStreams(ctx, ref, video, audio); err != nil {
		return err
	}
	logger := log.WithComponentFromContext(ctx, "probe")
	logger.Debug().
		Str("path", path).Int("audio_streams", len(audio)).Msg("media probed")
	return nil
}

func parseOutput(data []byte, path string) (*store.VideoStream, []*store.AudioStream, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, nil, errdef.Wrap(errdef.CodeValidation, err, "ffprobe output for %s", path)
	}

	var video *store.VideoStream
	var audio []*store.AudioStream
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if video != nil {
				continue // first video stream is the main one
			}
			video = &store.VideoStream{
				Codec:           s.CodecName,
				Width:           s.Width,
				Height:          s.Height,
				Aspect:          s.DisplayAspectRatio,
				Bitrate:         parseInt64(s.BitRate),
				Framerate:       parseFramerate(s.RFrameRate),
				DurationSeconds: parseFloat(out.Format.Duration),
				Container:       out.Format.FormatName,
				FileSize:        parseInt64(out.Format.Size),
			}
			if video.Bitrate == 0 {
				video.Bitrate = parseInt64(out.Format.BitRate)
			}
		case "audio":
			audio = append(audio, &store.AudioStream{
				Codec:    s.CodecName,
				Channels: s.Channels,
				Language: s.Tags.Language,
				Bitrate:  parseInt64(s.BitRate),
			})
		}
	}
	if video == nil && len(audio) == 0 {
		return nil, nil, errdef.New(errdef.CodeValidation, "no streams in %s", path)
	}
	return video, audio, nil
}

// parseFramerate resolves ffprobe's rational notation ("24000/1001").
func parseFramerate(r string) float64 {
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		return parseFloat(r)
	}
	n := parseFloat(num)
	d := parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
