package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/flac"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/vorbis"
	"github.com/gopxl/beep/wav"

	"github.com/skypro1111/trimsilence/internal/silence"
)

var (
	ErrDecode            = errors.New("audio decode failed")
	ErrSampling          = errors.New("audio sampling failed")
	ErrEncode            = errors.New("audio encode failed")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// streamBufferFrames is the number of stereo frames read per Stream call
const streamBufferFrames = 4096

type decodeFunc func(f *os.File) (beep.StreamSeekCloser, beep.Format, error)

var decoders = map[string]decodeFunc{
	".mp3": func(f *os.File) (beep.StreamSeekCloser, beep.Format, error) {
		return mp3.Decode(f)
	},
	".wav": func(f *os.File) (beep.StreamSeekCloser, beep.Format, error) {
		return wav.Decode(f)
	},
	".flac": func(f *os.File) (beep.StreamSeekCloser, beep.Format, error) {
		return flac.Decode(f)
	},
	".ogg": func(f *os.File) (beep.StreamSeekCloser, beep.Format, error) {
		return vorbis.Decode(f)
	},
}

// SupportedExtensions returns the file extensions Open can decode
func SupportedExtensions() []string {
	exts := make([]string, 0, len(decoders))
	for ext := range decoders {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Clip is a decoded, seekable audio file.
// All stream access is serialized, so a Clip can be sampled from several goroutines.
type Clip struct {
	path   string
	file   *os.File
	stream beep.StreamSeekCloser
	format beep.Format
	buf    [][2]float64
	closed bool

	mu sync.Mutex
}

// Open decodes the file at path based on its extension.
// The returned clip holds the file open until Close is called.
func Open(path string) (*Clip, error) {
	ext := strings.ToLower(filepath.Ext(path))
	decode, ok := decoders[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %s: %w %q", ErrDecode, path, ErrUnsupportedFormat, ext)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	stream, format, err := decode(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, path, err)
	}

	if format.SampleRate <= 0 {
		stream.Close()
		file.Close()
		return nil, fmt.Errorf("%w: %s: invalid sample rate %d", ErrDecode, path, format.SampleRate)
	}

	return &Clip{
		path:   path,
		file:   file,
		stream: stream,
		format: format,
		buf:    make([][2]float64, streamBufferFrames),
	}, nil
}

// Path returns the file the clip was decoded from
func (c *Clip) Path() string {
	return c.path
}

// Format returns the decoded stream format
func (c *Clip) Format() beep.Format {
	return c.format
}

// Frames returns the total number of frames in the clip
func (c *Clip) Frames() int {
	return c.stream.Len()
}

// Duration returns the clip length in seconds
func (c *Clip) Duration() float64 {
	return float64(c.stream.Len()) / float64(c.format.SampleRate)
}

// frameAt converts a timestamp in seconds to the nearest frame index
func (c *Clip) frameAt(seconds float64) int {
	return int(math.Round(seconds * float64(c.format.SampleRate)))
}

// PeakVolume returns the maximum absolute amplitude over both channels in [start, end).
// end is clamped to the clip length.
func (c *Clip) PeakVolume(start, end float64) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, fmt.Errorf("%w: %s: clip is closed", ErrSampling, c.path)
	}

	if math.IsNaN(start) || math.IsNaN(end) || start < 0 || end < start {
		return 0, fmt.Errorf("%w: %s: invalid range [%g, %g)", ErrSampling, c.path, start, end)
	}

	length := c.stream.Len()
	from := c.frameAt(start)
	to := c.frameAt(end)
	if from > length {
		return 0, fmt.Errorf("%w: %s: range [%g, %g) starts beyond %d frames", ErrSampling, c.path, start, end, length)
	}
	if to > length {
		to = length
	}
	if from == to {
		return 0, nil
	}

	if err := c.stream.Seek(from); err != nil {
		return 0, fmt.Errorf("%w: %s: seek to frame %d: %w", ErrSampling, c.path, from, err)
	}

	peak := 0.0
	remaining := to - from
	for remaining > 0 {
		n, ok := c.stream.Stream(c.buf[:min(len(c.buf), remaining)])
		peak = max(peak, PeakAbs(c.buf[:n]))
		remaining -= n
		if !ok || n == 0 {
			break
		}
	}

	if err := c.stream.Err(); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrSampling, c.path, err)
	}
	if remaining > 0 {
		return 0, fmt.Errorf("%w: %s: stream ended %d frames early", ErrSampling, c.path, remaining)
	}

	return peak, nil
}

// section positions the stream at the start of [start, end) and returns a streamer
// limited to that range. An inverted range yields zero frames. Caller holds c.mu.
// The returned guard reports a decoder that stopped delivering frames.
func (c *Clip) section(start, end float64) (beep.Streamer, *progressGuard, error) {
	length := c.stream.Len()
	from := min(max(c.frameAt(start), 0), length)
	to := min(max(c.frameAt(end), from), length)

	if err := c.stream.Seek(from); err != nil {
		return nil, nil, fmt.Errorf("seek to frame %d: %w", from, err)
	}

	guard := &progressGuard{s: c.stream}
	return beep.Take(to-from, guard), guard, nil
}

// progressGuard ends a stream that keeps returning (0, true), which a decoder
// does once its file shrinks underneath it.
type progressGuard struct {
	s   beep.Streamer
	err error
}

var errStalled = errors.New("stream stopped producing frames")

func (g *progressGuard) Stream(samples [][2]float64) (n int, ok bool) {
	if g.err != nil {
		return 0, false
	}
	n, ok = g.s.Stream(samples)
	if ok && n == 0 && len(samples) > 0 {
		g.err = errStalled
		return 0, false
	}
	return n, ok
}

func (g *progressGuard) Err() error {
	if g.err != nil {
		return g.err
	}
	return g.s.Err()
}

// SameFile reports whether a and b name the same file. Paths that do not exist
// are compared by their absolute form only.
func SameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA == nil && errB == nil && absA == absB {
		return true
	}

	infoA, err := os.Stat(a)
	if err != nil {
		return false
	}
	infoB, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(infoA, infoB)
}

// Close releases the decoder and the underlying file. It is safe to call more than once.
func (c *Clip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	streamErr := c.stream.Close()
	fileErr := c.file.Close()
	if errors.Is(fileErr, os.ErrClosed) {
		fileErr = nil
	}

	return errors.Join(streamErr, fileErr)
}

// PeakAbs returns the largest absolute sample value across both channels
func PeakAbs(frames [][2]float64) float64 {
	peak := 0.0
	for _, frame := range frames {
		peak = max(peak, math.Abs(frame[0]), math.Abs(frame[1]))
	}
	return peak
}

var _ silence.Source = (*Clip)(nil)
