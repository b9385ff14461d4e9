package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"github.com/skypro1111/trimsilence/internal/silence"
)

const (
	FormatWAV = "wav"
	FormatMP3 = "mp3"
)

// Writer writes the interval of a clip to outPath
type Writer interface {
	Write(ctx context.Context, clip *Clip, interval silence.Interval, outPath string) error
	// Extension is the output file extension without the leading dot
	Extension() string
}

// EncoderOptions configures the writers returned by NewWriter
type EncoderOptions struct {
	FFmpegPath string
	Codec      string
	Bitrate    string
	Precision  int // WAV bytes per sample
}

// NewWriter returns the writer for an output format
func NewWriter(format string, opts EncoderOptions, logger *slog.Logger) (Writer, error) {
	switch strings.ToLower(format) {
	case FormatWAV:
		return NewWAVWriter(opts.Precision), nil
	case FormatMP3:
		codec := opts.Codec
		if codec == "" {
			codec = "libmp3lame"
		}
		return NewFFmpegWriter(opts.FFmpegPath, codec, opts.Bitrate, FormatMP3, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// WAVWriter encodes the trimmed section as PCM WAV without leaving the process
type WAVWriter struct {
	precision int
}

// NewWAVWriter creates a WAV writer. precision is bytes per sample (1-3), 0 means 16-bit.
func NewWAVWriter(precision int) *WAVWriter {
	if precision < 1 || precision > 3 {
		precision = 2
	}
	return &WAVWriter{precision: precision}
}

func (w *WAVWriter) Extension() string {
	return FormatWAV
}

// Write encodes [interval.Start, interval.End) of clip into a new WAV file.
// An inverted interval produces a file with no frames.
func (w *WAVWriter) Write(ctx context.Context, clip *Clip, interval silence.Interval, outPath string) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	clip.mu.Lock()
	defer clip.mu.Unlock()

	if clip.closed {
		return fmt.Errorf("%w: %s: clip is closed", ErrEncode, clip.path)
	}

	if SameFile(clip.path, outPath) {
		return fmt.Errorf("%w: %s would overwrite its own input", ErrEncode, outPath)
	}

	section, guard, err := clip.section(interval.Start, interval.End)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrEncode, clip.path, err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%w: %w", ErrEncode, closeErr)
		}
		if err != nil {
			os.Remove(outPath)
		}
	}()

	format := beep.Format{
		SampleRate:  clip.format.SampleRate,
		NumChannels: clip.format.NumChannels,
		Precision:   w.precision,
	}
	if format.NumChannels < 1 || format.NumChannels > 2 {
		format.NumChannels = 2
	}

	if err := wav.Encode(out, section, format); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrEncode, outPath, err)
	}
	if err := guard.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrEncode, clip.path, err)
	}

	return nil
}

// FFmpegWriter cuts and re-encodes the source file with an external ffmpeg binary
type FFmpegWriter struct {
	binary    string
	codec     string
	bitrate   string
	extension string
	logger    *slog.Logger
}

// NewFFmpegWriter creates a writer that runs ffmpeg. An empty binary means "ffmpeg" from PATH.
func NewFFmpegWriter(binary, codec, bitrate, extension string, logger *slog.Logger) *FFmpegWriter {
	if binary == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegWriter{
		binary:    binary,
		codec:     codec,
		bitrate:   bitrate,
		extension: extension,
		logger:    logger,
	}
}

func (w *FFmpegWriter) Extension() string {
	return w.extension
}

// args builds the ffmpeg command line for one cut
func (w *FFmpegWriter) args(input, output string, interval silence.Interval) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", input,
		"-ss", formatSeconds(interval.Start),
		"-to", formatSeconds(interval.End),
		"-vn",
	}
	if w.codec != "" {
		args = append(args, "-c:a", w.codec)
	}
	if w.bitrate != "" {
		args = append(args, "-b:a", w.bitrate)
	}
	return append(args, output)
}

// Write runs ffmpeg on the clip's source file. The clip stream itself is not read.
func (w *FFmpegWriter) Write(ctx context.Context, clip *Clip, interval silence.Interval, outPath string) error {
	if SameFile(clip.Path(), outPath) {
		return fmt.Errorf("%w: %s would overwrite its own input", ErrEncode, outPath)
	}

	cmd := exec.CommandContext(ctx, w.binary, w.args(clip.Path(), outPath, interval)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	w.logger.Debug("Running ffmpeg", slog.String("command", cmd.String()))

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(err, ctxErr)
		}
		os.Remove(outPath)
		return fmt.Errorf("%w: ffmpeg %s: %w: %s", ErrEncode, outPath, err, strings.TrimSpace(stderr.String()))
	}

	return nil
}

func formatSeconds(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', -1, 64)
}
