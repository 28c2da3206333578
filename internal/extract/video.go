package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"mnemo/internal/models"
)

const (
	DefaultVideoMaxFrames     = 8
	DefaultVideoFrameInterval = 10
)

// VideoExtractor handles video_multimodal payloads: ffmpeg samples keyframes
// for the vision backend and a 16 kHz mono track for transcription.
type VideoExtractor struct {
	Runner     CommandRunner
	FFmpegPath string
	Vision     VisionBackend
	Audio      TranscriptionBackend
	MaxFrames  int
	// FrameInterval is the sampling period in seconds.
	FrameInterval int
	TempDir       string
}

func (e *VideoExtractor) Strategy() models.Strategy { return models.StrategyVideoMultimodal }

func (e *VideoExtractor) Backend() string {
	parts := []string{e.ffmpeg()}
	if e.Vision != nil {
		parts = append(parts, e.Vision.Name())
	}
	if e.Audio != nil {
		parts = append(parts, e.Audio.Name())
	}
	return strings.Join(parts, "+")
}

func (e *VideoExtractor) Health(ctx context.Context) error {
	if _, err := e.runner().LookPath(e.ffmpeg()); err != nil {
		return fmt.Errorf("%s not found: %w", e.ffmpeg(), models.ErrBackendUnavailable)
	}
	if e.Vision == nil && e.Audio == nil {
		return fmt.Errorf("no vision or transcription backend configured: %w", models.ErrBackendUnavailable)
	}
	var errs []error
	if e.Vision != nil {
		errs = append(errs, e.Vision.Ping(ctx))
	}
	if e.Audio != nil {
		errs = append(errs, e.Audio.Ping(ctx))
	}
	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	return errors.Join(errs...)
}

func (e *VideoExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	if len(in.Data) == 0 {
		return Result{}, fmt.Errorf("empty video payload: %w", models.ErrExtractionFailed)
	}
	ffmpeg, err := e.runner().LookPath(e.ffmpeg())
	if err != nil {
		return Result{}, fmt.Errorf("%s not found: %w", e.ffmpeg(), models.ErrBackendUnavailable)
	}
	if e.Vision == nil && e.Audio == nil {
		return Result{}, fmt.Errorf("no vision or transcription backend configured: %w", models.ErrBackendUnavailable)
	}

	dir, err := os.MkdirTemp(e.TempDir, "mnemo-video-*")
	if err != nil {
		return Result{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input"+filepath.Ext(in.Filename))
	if err := os.WriteFile(input, in.Data, 0o600); err != nil {
		return Result{}, fmt.Errorf("write video: %w", err)
	}

	meta := map[string]any{}
	var sections []string

	if e.Vision != nil {
		frames, err := e.sampleFrames(ctx, ffmpeg, input, dir)
		if err != nil {
			return Result{}, err
		}
		meta["frame_count"] = len(frames)
		if len(frames) > 0 {
			desc, err := e.Vision.Describe(ctx, videoPrompt(len(frames)), frames)
			if err != nil {
				return Result{}, err
			}
			meta["vision_backend"] = e.Vision.Name()
			sections = append(sections, "Visual summary:\n"+desc)
		}
	}

	if e.Audio != nil {
		track := filepath.Join(dir, "audio.wav")
		_, err := e.runner().Run(ctx, ffmpeg, []string{
			"-hide_banner", "-loglevel", "error", "-y", "-i", input,
			"-vn", "-ac", "1", "-ar", "16000", "-f", "wav", track,
		}, nil)
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		audio, readErr := os.ReadFile(track)
		hasAudio := err == nil && readErr == nil && len(audio) > 44
		meta["has_audio"] = hasAudio
		if hasAudio {
			tr, err := e.Audio.Transcribe(ctx, "audio.wav", audio)
			if err != nil {
				return Result{}, err
			}
			for k, v := range transcriptMetadata(tr, e.Audio.Name()) {
				meta[k] = v
			}
			if tr.Text != "" {
				sections = append(sections, "Transcript:\n"+tr.Text)
			}
		}
	}

	if len(sections) == 0 {
		return Result{Metadata: meta}, nil
	}
	return Result{Text: stringPtr(strings.Join(sections, "\n\n")), Metadata: meta}, nil
}

func (e *VideoExtractor) sampleFrames(ctx context.Context, ffmpeg, input, dir string) ([][]byte, error) {
	maxFrames := e.MaxFrames
	if maxFrames <= 0 {
		maxFrames = DefaultVideoMaxFrames
	}
	interval := e.FrameInterval
	if interval <= 0 {
		interval = DefaultVideoFrameInterval
	}
	pattern := filepath.Join(dir, "frame_%03d.jpg")
	_, err := e.runner().Run(ctx, ffmpeg, []string{
		"-hide_banner", "-loglevel", "error", "-y", "-i", input,
		"-vf", "fps=1/" + strconv.Itoa(interval) + ",scale=512:-2",
		"-frames:v", strconv.Itoa(maxFrames), pattern,
	}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffmpeg frames: %v: %w", err, models.ErrExtractionFailed)
	}

	paths, err := filepath.Glob(filepath.Join(dir, "frame_*.jpg"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	frames := make([][]byte, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		frames = append(frames, b)
	}
	return frames, nil
}

func videoPrompt(frames int) string {
	return fmt.Sprintf("These %d images are keyframes sampled in order from one video. "+
		"Summarize what happens, transcribe visible text and mention notable objects and places.", frames)
}

func (e *VideoExtractor) runner() CommandRunner {
	if e.Runner == nil {
		return ExecRunner{}
	}
	return e.Runner
}

func (e *VideoExtractor) ffmpeg() string {
	if e.FFmpegPath == "" {
		return "ffmpeg"
	}
	return e.FFmpegPath
}
