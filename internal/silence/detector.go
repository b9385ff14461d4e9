package silence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWindowSize is the classification window length in seconds
	DefaultWindowSize = 0.1
	// DefaultVolumeThreshold is the peak amplitude below which a window is silent
	DefaultVolumeThreshold = 0.01
)

var (
	ErrInvalidConfig = errors.New("invalid detection config")
	ErrSampling      = errors.New("volume sampling failed")
)

// Source is a decoded audio clip that can be sampled for peak volume.
// PeakVolume returns the maximum absolute normalized amplitude in [start, end).
type Source interface {
	Duration() float64
	PeakVolume(start, end float64) (float64, error)
}

// Observer receives window classification counts after each scan
type Observer interface {
	ObserveWindows(total, silent int)
}

// Flags holds one silence flag per window in chronological order
type Flags []bool

// Silent returns the number of silent windows
func (f Flags) Silent() int {
	n := 0
	for _, silent := range f {
		if silent {
			n++
		}
	}
	return n
}

// Interval is the part of the clip to keep, in seconds.
// End may be lower than Start; callers decide how to treat that.
type Interval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Length returns End - Start, which is negative for an inverted interval
func (iv Interval) Length() float64 {
	return iv.End - iv.Start
}

func (iv Interval) String() string {
	return fmt.Sprintf("(%g; %g)", iv.Start, iv.End)
}

// Config contains the detection parameters
type Config struct {
	WindowSize      float64 `json:"window_size"`      // seconds
	VolumeThreshold float64 `json:"volume_threshold"` // normalized amplitude
	Workers         int     `json:"workers"`          // concurrent PeakVolume calls, <= 1 is sequential
}

// DefaultConfig returns the detection defaults
func DefaultConfig() Config {
	return Config{
		WindowSize:      DefaultWindowSize,
		VolumeThreshold: DefaultVolumeThreshold,
		Workers:         1,
	}
}

// Validate checks the parameters before any window is sampled
func (c Config) Validate() error {
	if math.IsNaN(c.WindowSize) || math.IsInf(c.WindowSize, 0) || c.WindowSize <= 0 {
		return fmt.Errorf("%w: window size must be positive, got %v", ErrInvalidConfig, c.WindowSize)
	}

	if math.IsNaN(c.VolumeThreshold) || math.IsInf(c.VolumeThreshold, 0) || c.VolumeThreshold < 0 {
		return fmt.Errorf("%w: volume threshold must be non-negative, got %v", ErrInvalidConfig, c.VolumeThreshold)
	}

	if c.Workers < 0 {
		return fmt.Errorf("%w: workers cannot be negative, got %d", ErrInvalidConfig, c.Workers)
	}

	return nil
}

// NumWindows returns how many whole windows fit into duration.
// The trailing partial window is dropped.
func NumWindows(duration, windowSize float64) int {
	if !(duration > 0) || !(windowSize > 0) || math.IsInf(duration, 0) {
		return 0
	}
	return int(math.Floor(duration / windowSize))
}

// Classify samples every whole window of src and flags the silent ones.
// The first sampling error aborts the scan.
func Classify(ctx context.Context, src Source, cfg Config) (Flags, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	numWindows := NumWindows(src.Duration(), cfg.WindowSize)
	flags := make(Flags, numWindows)

	if cfg.Workers <= 1 || numWindows < 2 {
		for i := range flags {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			silent, err := classifyWindow(src, i, cfg)
			if err != nil {
				return nil, err
			}
			flags[i] = silent
		}
		return flags, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := range flags {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			silent, err := classifyWindow(src, i, cfg)
			if err != nil {
				return err
			}
			flags[i] = silent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return flags, nil
}

func classifyWindow(src Source, i int, cfg Config) (bool, error) {
	start := float64(i) * cfg.WindowSize
	end := float64(i+1) * cfg.WindowSize

	volume, err := src.PeakVolume(start, end)
	if err != nil {
		return false, fmt.Errorf("%w: window %d [%g, %g): %w", ErrSampling, i, start, end, err)
	}

	return volume < cfg.VolumeThreshold, nil
}

// FindStart returns the start of the first window that follows a silent window
// with speech. It returns 0 when there is no such transition.
func FindStart(flags Flags, windowSize float64) float64 {
	for i := 1; i < len(flags); i++ {
		if flags[i-1] && !flags[i] {
			return float64(i) * windowSize
		}
	}
	return 0
}

// FindEnd scans backwards for the last speech window that precedes a silent window
// and returns its start. Index 0 is never inspected. It returns duration when there
// is no such transition.
func FindEnd(flags Flags, windowSize, duration float64) float64 {
	for i := len(flags) - 2; i > 0; i-- {
		if flags[i+1] && !flags[i] {
			return float64(i) * windowSize
		}
	}
	return duration
}

// Detect classifies src and returns the interval between the outer silence boundaries
func Detect(ctx context.Context, src Source, cfg Config) (Interval, error) {
	flags, err := Classify(ctx, src, cfg)
	if err != nil {
		return Interval{}, err
	}

	return Interval{
		Start: FindStart(flags, cfg.WindowSize),
		End:   FindEnd(flags, cfg.WindowSize, src.Duration()),
	}, nil
}

// Detector runs Detect with a fixed config and reports to a logger and an observer
type Detector struct {
	config   Config
	logger   *slog.Logger
	observer Observer
}

// NewDetector validates cfg and creates a detector. logger and observer may be nil.
func NewDetector(cfg Config, logger *slog.Logger, observer Observer) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Detector{
		config:   cfg,
		logger:   logger,
		observer: observer,
	}, nil
}

// Config returns the detector parameters
func (d *Detector) Config() Config {
	return d.config
}

// Detect finds the trim interval of src
func (d *Detector) Detect(ctx context.Context, src Source) (Interval, error) {
	startTime := time.Now()

	flags, err := Classify(ctx, src, d.config)
	if err != nil {
		return Interval{}, err
	}

	if d.observer != nil {
		d.observer.ObserveWindows(len(flags), flags.Silent())
	}

	interval := Interval{
		Start: FindStart(flags, d.config.WindowSize),
		End:   FindEnd(flags, d.config.WindowSize, src.Duration()),
	}

	d.logger.Debug("Silence boundaries detected",
		slog.Int("windows", len(flags)),
		slog.Int("silent_windows", flags.Silent()),
		slog.Float64("start", interval.Start),
		slog.Float64("end", interval.End),
		slog.Duration("elapsed", time.Since(startTime)),
	)

	if interval.End < interval.Start {
		d.logger.Warn("Detected interval is inverted",
			slog.Float64("start", interval.Start),
			slog.Float64("end", interval.End),
		)
	}

	return interval, nil
}
