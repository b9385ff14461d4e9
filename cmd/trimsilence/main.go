package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/skypro1111/trimsilence/internal/audio"
	"github.com/skypro1111/trimsilence/internal/batch"
	"github.com/skypro1111/trimsilence/internal/config"
	"github.com/skypro1111/trimsilence/internal/metrics"
	"github.com/skypro1111/trimsilence/internal/silence"
)

const (
	serviceName    = "trimsilence"
	serviceVersion = "1.0.0"
)

// Exit codes
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// options holds the parsed command line
type options struct {
	flags *pflag.FlagSet

	configPath  string
	inputs      string
	outputDir   string
	windowSize  float64
	threshold   float64
	format      string
	jobs        int
	scanWorkers int
	strict      bool
	createDir   bool
	logLevel    string
	metricsFile string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	opts.flags = fs

	fs.StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file")
	fs.StringVarP(&opts.inputs, "ifiles", "i", "", "Glob pattern of input files")
	fs.StringVarP(&opts.outputDir, "odir", "o", "", "Output directory")
	fs.Float64VarP(&opts.windowSize, "wsize", "w", silence.DefaultWindowSize, "Window size in seconds")
	fs.Float64VarP(&opts.threshold, "vthreshold", "v", silence.DefaultVolumeThreshold, "Volume below this threshold is silence")
	fs.StringVarP(&opts.format, "format", "f", "", "Output format: mp3 or wav")
	fs.IntVarP(&opts.jobs, "jobs", "j", 1, "Number of files processed in parallel")
	fs.IntVar(&opts.scanWorkers, "scan-workers", 1, "Number of windows sampled in parallel per file")
	fs.BoolVar(&opts.strict, "strict", false, "Stop the batch at the first failing file")
	fs.BoolVar(&opts.createDir, "create-dir", false, "Create the output directory if missing")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile")

	// usage is printed by the caller: stdout for -h, stderr for bad arguments
	fs.Usage = func() {}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

// buildConfig loads the config file if any and applies the flags that were set
func buildConfig(opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	changed := opts.flags.Changed
	if changed("ifiles") {
		cfg.Input.Pattern = opts.inputs
	}
	if changed("odir") {
		cfg.Output.Dir = opts.outputDir
	}
	if changed("wsize") {
		cfg.Detection.WindowSize = opts.windowSize
	}
	if changed("vthreshold") {
		cfg.Detection.VolumeThreshold = opts.threshold
	}
	if changed("format") {
		cfg.Output.Format = opts.format
	}
	if changed("jobs") {
		cfg.Batch.Workers = opts.jobs
	}
	if changed("scan-workers") {
		cfg.Detection.Workers = opts.scanWorkers
	}
	if changed("strict") {
		cfg.Batch.Strict = opts.strict
	}
	if changed("create-dir") {
		cfg.Output.CreateDir = opts.createDir
	}
	if changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if changed("metrics-file") {
		cfg.Metrics.Textfile = opts.metricsFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, "%s -i <input_files> -o <output_directory> -w <window_size> -v <volume_threshold>\n", serviceName)
	fmt.Fprintln(w, "Default values:")
	fmt.Fprintf(w, "   window_size: %v\n", silence.DefaultWindowSize)
	fmt.Fprintf(w, "   volume_threshold: %v\n", silence.DefaultVolumeThreshold)
	fmt.Fprintln(w, "Options:")
	fmt.Fprint(w, fs.FlagUsages())
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		printUsage(stdout, opts.flags)
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "Invalid arguments: %v\n", err)
		printUsage(stderr, opts.flags)
		return exitConfig
	}

	cfg, err := buildConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return exitConfig
	}

	logger, closeLog := initLogger(cfg.Logging, stdout, stderr)
	defer closeLog()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("pattern", cfg.Input.Pattern),
		slog.String("output_dir", cfg.Output.Dir),
		slog.String("output_format", cfg.Output.Format),
		slog.Float64("window_size", cfg.Detection.WindowSize),
		slog.Float64("volume_threshold", cfg.Detection.VolumeThreshold),
	)

	inputs, err := batch.ExpandInputs(cfg.Input.Pattern)
	if err != nil {
		logger.Error("Failed to expand input pattern", slog.String("error", err.Error()))
		return exitConfig
	}
	if len(inputs) == 0 {
		logger.Warn("No input files matched", slog.String("pattern", cfg.Input.Pattern))
		return exitOK
	}

	appMetrics := metrics.NewMetrics()

	detector, err := silence.NewDetector(silence.Config{
		WindowSize:      cfg.Detection.WindowSize,
		VolumeThreshold: cfg.Detection.VolumeThreshold,
		Workers:         cfg.Detection.Workers,
	}, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create detector", slog.String("error", err.Error()))
		return exitConfig
	}

	writer, err := audio.NewWriter(cfg.Output.Format, audio.EncoderOptions{
		FFmpegPath: cfg.Encoder.FFmpegPath,
		Codec:      cfg.Encoder.Codec,
		Bitrate:    cfg.Encoder.Bitrate,
		Precision:  cfg.Encoder.Precision,
	}, logger)
	if err != nil {
		logger.Error("Failed to create writer", slog.String("error", err.Error()))
		return exitConfig
	}

	runner := batch.NewRunner(batch.Config{
		OutputDir: cfg.Output.Dir,
		CreateDir: cfg.Output.CreateDir,
		Workers:   cfg.Batch.Workers,
		Strict:    cfg.Batch.Strict,
	}, detector, writer, logger, appMetrics)

	report, runErr := runner.Run(ctx, inputs)

	if cfg.Metrics.Textfile != "" {
		if err := appMetrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Error("Failed to write metrics", slog.String("error", err.Error()))
		}
	}

	switch {
	case errors.Is(runErr, batch.ErrOutputDir):
		logger.Error("Output directory unavailable", slog.String("error", runErr.Error()))
		return exitConfig
	case runErr != nil:
		logger.Error("Batch aborted", slog.String("error", runErr.Error()))
		return exitFailed
	case report.Failed() > 0:
		return exitFailed
	}

	logger.Info("Service stopped")
	return exitOK
}

// initLogger creates the structured logger. The returned func closes a log file if one was opened.
func initLogger(cfg config.LoggingConfig, stdout, stderr io.Writer) (*slog.Logger, func()) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	closeFn := func() {}
	var output io.Writer
	switch cfg.Output {
	case "stderr", "":
		output = stderr
	case "stdout":
		output = stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to open log file %s: %v, falling back to stderr\n", cfg.Output, err)
			output = stderr
		} else {
			output = file
			closeFn = func() { file.Close() }
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), closeFn
}
