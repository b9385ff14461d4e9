package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/trimsilence/internal/audio"
	"github.com/skypro1111/trimsilence/internal/metrics"
	"github.com/skypro1111/trimsilence/internal/silence"
)

var (
	ErrBadPattern      = errors.New("bad input pattern")
	ErrOutputDir       = errors.New("output directory unavailable")
	ErrOutputCollision = errors.New("output path collides with an input")
)

const stageSkipped = "skipped"

// Detector finds the trim interval of a clip
type Detector interface {
	Detect(ctx context.Context, src silence.Source) (silence.Interval, error)
}

// Config controls a batch run
type Config struct {
	OutputDir string
	CreateDir bool
	Workers   int
	Strict    bool
}

// FileResult is the outcome of one input file
type FileResult struct {
	Input    string           `json:"input"`
	Output   string           `json:"output"`
	Interval silence.Interval `json:"interval"`
	Duration float64          `json:"duration"` // seconds of source audio
	Stage    string           `json:"stage,omitempty"`
	Err      error            `json:"-"`
	Elapsed  time.Duration    `json:"elapsed"`
}

// Report collects the results of a run in input order
type Report struct {
	RunID   string        `json:"run_id"`
	Results []FileResult  `json:"results"`
	Elapsed time.Duration `json:"elapsed"`
}

// Succeeded returns the number of files written
func (r *Report) Succeeded() int {
	n := 0
	for _, result := range r.Results {
		if result.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the number of files that were not written
func (r *Report) Failed() int {
	return len(r.Results) - r.Succeeded()
}

// Err joins the errors of all failed files
func (r *Report) Err() error {
	var errs []error
	for _, result := range r.Results {
		if result.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", result.Input, result.Err))
		}
	}
	return errors.Join(errs...)
}

// ExpandInputs returns the regular files matching pattern in sorted order
func ExpandInputs(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrBadPattern, pattern, err)
	}

	inputs := make([]string, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		inputs = append(inputs, match)
	}
	sort.Strings(inputs)

	return inputs, nil
}

// OutputPath joins outDir with the input's base name and the given extension
func OutputPath(outDir, input, ext string) string {
	base := filepath.Base(input)
	name := strings.TrimSuffix(base, filepath.Ext(base)) + "." + strings.TrimPrefix(ext, ".")
	return filepath.Join(outDir, name)
}

// Runner processes input files with a shared detector and writer
type Runner struct {
	config   Config
	detector Detector
	writer   audio.Writer
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRunner creates a batch runner. logger and m may be nil.
func NewRunner(cfg Config, detector Detector, writer audio.Writer, logger *slog.Logger, m *metrics.Metrics) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		config:   cfg,
		detector: detector,
		writer:   writer,
		logger:   logger,
		metrics:  m,
	}
}

// prepareOutputDir makes sure the output directory exists
func (r *Runner) prepareOutputDir() error {
	dir := r.config.OutputDir
	if dir == "" {
		return nil
	}

	info, err := os.Stat(dir)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		return fmt.Errorf("%w: %s is not a directory", ErrOutputDir, dir)
	case errors.Is(err, os.ErrNotExist) && r.config.CreateDir:
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: %w", ErrOutputDir, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %w", ErrOutputDir, err)
	}
}

// Run trims every input. In strict mode the first failure cancels the remaining
// files and is returned; otherwise failures are only recorded in the report.
func (r *Runner) Run(ctx context.Context, inputs []string) (*Report, error) {
	startTime := time.Now()

	if err := r.prepareOutputDir(); err != nil {
		return nil, err
	}

	report := &Report{
		RunID:   uuid.NewString(),
		Results: make([]FileResult, len(inputs)),
	}
	logger := r.logger.With(slog.String("run_id", report.RunID))

	logger.Info("Batch started",
		slog.Int("files", len(inputs)),
		slog.String("output_dir", r.config.OutputDir),
		slog.Int("workers", r.config.Workers),
		slog.Bool("strict", r.config.Strict),
	)

	owners := make(map[string]string, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Workers)

	for i, input := range inputs {
		output := OutputPath(r.config.OutputDir, input, r.writer.Extension())

		var collision error
		if audio.SameFile(input, output) {
			collision = fmt.Errorf("%w: %s would overwrite its own input", ErrOutputCollision, output)
		} else if owner, taken := owners[output]; taken {
			collision = fmt.Errorf("%w: %s (from %s)", ErrOutputCollision, output, owner)
		}

		if collision != nil {
			report.Results[i] = FileResult{
				Input:  input,
				Output: output,
				Stage:  metrics.StageEncode,
				Err:    collision,
			}
			r.record(logger, report.Results[i])
			if r.config.Strict {
				g.Go(func() error { return fmt.Errorf("%s: %w", input, report.Results[i].Err) })
			}
			continue
		}
		owners[output] = input

		g.Go(func() error {
			result := r.processFile(gctx, logger, input, output)
			report.Results[i] = result
			if result.Err != nil && r.config.Strict {
				return fmt.Errorf("%s: %w", input, result.Err)
			}
			return nil
		})
	}

	err := g.Wait()
	report.Elapsed = time.Since(startTime)

	logger.Info("Batch finished",
		slog.Int("succeeded", report.Succeeded()),
		slog.Int("failed", report.Failed()),
		slog.Duration("elapsed", report.Elapsed),
	)

	if err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	return report, nil
}

// processFile decodes, scans and writes one input. The clip is closed on every path.
func (r *Runner) processFile(ctx context.Context, logger *slog.Logger, input, output string) (result FileResult) {
	startTime := time.Now()
	result = FileResult{Input: input, Output: output}

	defer func() {
		result.Elapsed = time.Since(startTime)
		r.record(logger, result)
	}()

	if err := ctx.Err(); err != nil {
		result.Stage = stageSkipped
		result.Err = err
		return result
	}

	logger.Info("Processing file", slog.String("file", filepath.Base(input)))

	clip, err := audio.Open(input)
	if err != nil {
		result.Stage = metrics.StageDecode
		result.Err = err
		return result
	}
	defer func() {
		if err := clip.Close(); err != nil {
			logger.Warn("Failed to close clip", slog.String("file", input), slog.String("error", err.Error()))
		}
	}()

	result.Duration = clip.Duration()

	interval, err := r.detector.Detect(ctx, clip)
	if err != nil {
		result.Stage = metrics.StageDetect
		result.Err = err
		return result
	}
	result.Interval = interval

	logger.Info("Keeping interval",
		slog.String("file", filepath.Base(input)),
		slog.Float64("start", interval.Start),
		slog.Float64("end", interval.End),
		slog.Float64("duration", result.Duration),
	)

	if err := r.writer.Write(ctx, clip, interval, output); err != nil {
		result.Stage = metrics.StageEncode
		result.Err = err
		return result
	}

	return result
}

// record logs and counts a finished file
func (r *Runner) record(logger *slog.Logger, result FileResult) {
	if result.Err != nil {
		if result.Stage == stageSkipped {
			logger.Debug("File skipped", slog.String("file", result.Input))
			return
		}
		logger.Error("Failed to trim file",
			slog.String("file", result.Input),
			slog.String("stage", result.Stage),
			slog.String("error", result.Err.Error()),
		)
		if r.metrics != nil {
			r.metrics.RecordFileFailed(result.Stage, result.Elapsed.Seconds())
		}
		return
	}

	logger.Info("File written",
		slog.String("output", result.Output),
		slog.Duration("elapsed", result.Elapsed),
	)

	if r.metrics != nil {
		kept := max(result.Interval.Length(), 0)
		r.metrics.RecordFileProcessed(result.Elapsed.Seconds(), result.Duration-kept)
		if result.Interval.End < result.Interval.Start {
			r.metrics.RecordInvertedInterval()
		}
	}
}
