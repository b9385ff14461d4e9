package config

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration that was rejected before any file was processed
var ErrInvalid = errors.New("invalid configuration")

// Config represents the complete tool configuration
type Config struct {
	Detection DetectionConfig `yaml:"detection"`
	Input     InputConfig     `yaml:"input"`
	Output    OutputConfig    `yaml:"output"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Batch     BatchConfig     `yaml:"batch"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DetectionConfig contains silence detection parameters
type DetectionConfig struct {
	WindowSize      float64 `yaml:"window_size"`      // seconds
	VolumeThreshold float64 `yaml:"volume_threshold"` // normalized amplitude
	Workers         int     `yaml:"workers"`          // concurrent window sampling
}

// InputConfig selects the files to trim
type InputConfig struct {
	Pattern string `yaml:"pattern"`
}

// OutputConfig controls where and how trimmed files are written
type OutputConfig struct {
	Dir       string `yaml:"dir"`
	Format    string `yaml:"format"`
	CreateDir bool   `yaml:"create_dir"`
}

// EncoderConfig contains ffmpeg settings for compressed output formats
type EncoderConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
	Codec      string `yaml:"codec"`
	Bitrate    string `yaml:"bitrate"`
	Precision  int    `yaml:"precision"` // WAV bytes per sample
}

// BatchConfig controls processing of multiple files
type BatchConfig struct {
	Workers int  `yaml:"workers"`
	Strict  bool `yaml:"strict"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig contains Prometheus textfile export settings
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Default returns the configuration used when no file or flag overrides a value
func Default() *Config {
	return &Config{
		Detection: DetectionConfig{
			WindowSize:      0.1,
			VolumeThreshold: 0.01,
			Workers:         1,
		},
		Output: OutputConfig{
			Format: "mp3",
		},
		Encoder: EncoderConfig{
			FFmpegPath: "ffmpeg",
			Codec:      "libmp3lame",
			Bitrate:    "192k",
			Precision:  2,
		},
		Batch: BatchConfig{
			Workers: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads the configuration file over the defaults.
// Validation is left to the caller so that flags can be applied first.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file %s: %w", ErrInvalid, path, err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Detection.Validate(); err != nil {
		return fmt.Errorf("%w: detection config: %w", ErrInvalid, err)
	}

	if err := c.Input.Validate(); err != nil {
		return fmt.Errorf("%w: input config: %w", ErrInvalid, err)
	}

	if err := c.Output.Validate(); err != nil {
		return fmt.Errorf("%w: output config: %w", ErrInvalid, err)
	}

	if err := c.Encoder.Validate(c.Output.Format); err != nil {
		return fmt.Errorf("%w: encoder config: %w", ErrInvalid, err)
	}

	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("%w: batch config: %w", ErrInvalid, err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("%w: logging config: %w", ErrInvalid, err)
	}

	return nil
}

// Validate validates detection configuration
func (d *DetectionConfig) Validate() error {
	if math.IsNaN(d.WindowSize) || math.IsInf(d.WindowSize, 0) || d.WindowSize <= 0 {
		return fmt.Errorf("window_size must be positive, got %v", d.WindowSize)
	}

	if math.IsNaN(d.VolumeThreshold) || math.IsInf(d.VolumeThreshold, 0) || d.VolumeThreshold < 0 {
		return fmt.Errorf("volume_threshold must be non-negative, got %v", d.VolumeThreshold)
	}

	if d.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", d.Workers)
	}

	return nil
}

// Validate validates input configuration
func (i *InputConfig) Validate() error {
	if i.Pattern == "" {
		return fmt.Errorf("pattern cannot be empty")
	}
	return nil
}

// Validate validates output configuration
func (o *OutputConfig) Validate() error {
	validFormats := map[string]bool{"mp3": true, "wav": true}
	if !validFormats[o.Format] {
		return fmt.Errorf("format must be 'mp3' or 'wav', got '%s'", o.Format)
	}
	return nil
}

// Validate validates encoder configuration for the selected output format
func (e *EncoderConfig) Validate(format string) error {
	if format == "mp3" && e.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path cannot be empty for mp3 output")
	}

	if e.Precision < 1 || e.Precision > 3 {
		return fmt.Errorf("precision must be between 1 and 3 bytes, got %d", e.Precision)
	}

	return nil
}

// Validate validates batch configuration
func (b *BatchConfig) Validate() error {
	if b.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", b.Workers)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}
