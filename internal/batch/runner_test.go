package batch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/trimsilence/internal/audio"
	"github.com/skypro1111/trimsilence/internal/audio/audiotest"
	"github.com/skypro1111/trimsilence/internal/metrics"
	"github.com/skypro1111/trimsilence/internal/silence"
)

var profile = audiotest.SpeechProfile

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, cfg Config, m *metrics.Metrics) *Runner {
	t.Helper()

	var observer silence.Observer
	if m != nil {
		observer = m
	}

	detector, err := silence.NewDetector(silence.DefaultConfig(), quietLogger(), observer)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	return NewRunner(cfg, detector, audio.NewWAVWriter(2), quietLogger(), m)
}

func TestExpandInputs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.mp3", "a.mp3", "c.wav"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("Failed to create %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "d.mp3"), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	inputs, err := ExpandInputs(filepath.Join(dir, "*.mp3"))
	if err != nil {
		t.Fatalf("ExpandInputs failed: %v", err)
	}

	expected := []string{filepath.Join(dir, "a.mp3"), filepath.Join(dir, "b.mp3")}
	if len(inputs) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, inputs)
	}
	for i := range expected {
		if inputs[i] != expected[i] {
			t.Errorf("Expected %s at %d, got %s", expected[i], i, inputs[i])
		}
	}

	none, err := ExpandInputs(filepath.Join(dir, "*.flac"))
	if err != nil || len(none) != 0 {
		t.Errorf("Expected no matches and no error, got %v, %v", none, err)
	}

	if _, err := ExpandInputs("[unclosed"); !errors.Is(err, ErrBadPattern) {
		t.Errorf("Expected ErrBadPattern, got %v", err)
	}
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		outDir   string
		input    string
		ext      string
		expected string
	}{
		{outDir: "out", input: "in/talk.mp3", ext: "mp3", expected: filepath.Join("out", "talk.mp3")},
		{outDir: "out", input: "in/talk.WAV", ext: "mp3", expected: filepath.Join("out", "talk.mp3")},
		{outDir: "out", input: "in/talk.v2.flac", ext: ".wav", expected: filepath.Join("out", "talk.v2.wav")},
		{outDir: "", input: "in/noext", ext: "mp3", expected: "noext.mp3"},
	}

	for _, tt := range tests {
		if got := OutputPath(tt.outDir, tt.input, tt.ext); got != tt.expected {
			t.Errorf("OutputPath(%q, %q, %q): expected %q, got %q", tt.outDir, tt.input, tt.ext, tt.expected, got)
		}
	}
}

func TestRun(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()

	inputs := []string{filepath.Join(inDir, "one.wav"), filepath.Join(inDir, "two.wav")}
	for _, input := range inputs {
		audiotest.WriteWAV(t, input, profile)
	}

	m := metrics.NewMetrics()
	runner := newTestRunner(t, Config{OutputDir: outDir, Workers: 2}, m)

	report, err := runner.Run(context.Background(), inputs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.RunID == "" {
		t.Error("Expected a run id")
	}
	if report.Succeeded() != 2 || report.Failed() != 0 {
		t.Fatalf("Expected 2 successes, got %d/%d: %v", report.Succeeded(), report.Failed(), report.Err())
	}

	for i, result := range report.Results {
		if result.Input != inputs[i] {
			t.Errorf("Expected result %d for %s, got %s", i, inputs[i], result.Input)
		}
		if math.Abs(result.Interval.Start-0.3) > 1e-9 || math.Abs(result.Interval.End-0.6) > 1e-9 {
			t.Errorf("Expected (0.3; 0.6), got %s", result.Interval)
		}

		clip, err := audio.Open(result.Output)
		if err != nil {
			t.Fatalf("Failed to open output %s: %v", result.Output, err)
		}
		if clip.Frames() != 2400 {
			t.Errorf("Expected 2400 frames in %s, got %d", result.Output, clip.Frames())
		}
		clip.Close()
	}

	if got := testutil.ToFloat64(m.FilesProcessed); got != 2 {
		t.Errorf("Expected 2 processed files, got %v", got)
	}
	if got := testutil.ToFloat64(m.WindowsClassified); got != 20 {
		t.Errorf("Expected 20 windows classified, got %v", got)
	}
}

func TestRunContinuesAfterFailure(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()

	broken := filepath.Join(inDir, "a-broken.wav")
	if err := os.WriteFile(broken, []byte("not audio"), 0644); err != nil {
		t.Fatalf("Failed to write broken file: %v", err)
	}
	good := filepath.Join(inDir, "b-good.wav")
	audiotest.WriteWAV(t, good, profile)

	m := metrics.NewMetrics()
	runner := newTestRunner(t, Config{OutputDir: outDir}, m)

	report, err := runner.Run(context.Background(), []string{broken, good})
	if err != nil {
		t.Fatalf("Non-strict run should not fail: %v", err)
	}

	if report.Succeeded() != 1 || report.Failed() != 1 {
		t.Fatalf("Expected 1 success and 1 failure, got %d/%d", report.Succeeded(), report.Failed())
	}

	failed := report.Results[0]
	if !errors.Is(failed.Err, audio.ErrDecode) || failed.Stage != metrics.StageDecode {
		t.Errorf("Expected decode failure, got stage %q err %v", failed.Stage, failed.Err)
	}
	if !errors.Is(report.Err(), audio.ErrDecode) {
		t.Errorf("Expected joined error to contain ErrDecode, got %v", report.Err())
	}

	if _, err := os.Stat(report.Results[1].Output); err != nil {
		t.Errorf("Expected output for good file: %v", err)
	}

	if got := testutil.ToFloat64(m.FilesFailed.WithLabelValues(metrics.StageDecode)); got != 1 {
		t.Errorf("Expected 1 decode failure metric, got %v", got)
	}
}

func TestRunStrict(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()

	broken := filepath.Join(inDir, "a-broken.wav")
	if err := os.WriteFile(broken, []byte("not audio"), 0644); err != nil {
		t.Fatalf("Failed to write broken file: %v", err)
	}
	good := filepath.Join(inDir, "b-good.wav")
	audiotest.WriteWAV(t, good, profile)

	runner := newTestRunner(t, Config{OutputDir: outDir, Workers: 1, Strict: true}, nil)

	report, err := runner.Run(context.Background(), []string{broken, good})
	if !errors.Is(err, audio.ErrDecode) {
		t.Fatalf("Expected strict run to return ErrDecode, got %v", err)
	}

	if report.Succeeded() != 0 {
		t.Errorf("Expected no successes after strict abort, got %d", report.Succeeded())
	}
	if !errors.Is(report.Results[1].Err, context.Canceled) {
		t.Errorf("Expected second file to be skipped, got %v", report.Results[1].Err)
	}
	if _, err := os.Stat(report.Results[1].Output); !os.IsNotExist(err) {
		t.Errorf("Expected no output for skipped file")
	}
}

func TestRunOutputCollision(t *testing.T) {
	first := filepath.Join(t.TempDir(), "same.wav")
	second := filepath.Join(t.TempDir(), "same.wav")
	audiotest.WriteWAV(t, first, profile)
	audiotest.WriteWAV(t, second, profile)

	runner := newTestRunner(t, Config{OutputDir: t.TempDir(), Workers: 2}, nil)

	report, err := runner.Run(context.Background(), []string{first, second})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Results[0].Err != nil {
		t.Errorf("Expected first file to succeed, got %v", report.Results[0].Err)
	}
	if !errors.Is(report.Results[1].Err, ErrOutputCollision) {
		t.Errorf("Expected ErrOutputCollision, got %v", report.Results[1].Err)
	}
}

func TestRunOutputIntoInputDirectory(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "talk.wav")
	audiotest.WriteWAV(t, input, profile)

	before, err := os.ReadFile(input)
	if err != nil {
		t.Fatalf("Failed to read input: %v", err)
	}

	runner := newTestRunner(t, Config{OutputDir: dir}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := runner.Run(ctx, []string{input})
	if err != nil {
		t.Fatalf("Non-strict run should not fail: %v", err)
	}

	result := report.Results[0]
	if !errors.Is(result.Err, ErrOutputCollision) || result.Stage != metrics.StageEncode {
		t.Errorf("Expected output collision at encode stage, got stage %q err %v", result.Stage, result.Err)
	}

	after, err := os.ReadFile(input)
	if err != nil {
		t.Fatalf("Failed to read input after run: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Errorf("Input file changed: %d bytes before, %d after", len(before), len(after))
	}
}

func TestRunOutputDir(t *testing.T) {
	input := filepath.Join(t.TempDir(), "talk.wav")
	audiotest.WriteWAV(t, input, profile)

	missing := filepath.Join(t.TempDir(), "nested", "out")

	runner := newTestRunner(t, Config{OutputDir: missing}, nil)
	if _, err := runner.Run(context.Background(), []string{input}); !errors.Is(err, ErrOutputDir) {
		t.Errorf("Expected ErrOutputDir, got %v", err)
	}

	notDir := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(notDir, nil, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	runner = newTestRunner(t, Config{OutputDir: notDir, CreateDir: true}, nil)
	if _, err := runner.Run(context.Background(), []string{input}); !errors.Is(err, ErrOutputDir) {
		t.Errorf("Expected ErrOutputDir for a file path, got %v", err)
	}

	runner = newTestRunner(t, Config{OutputDir: missing, CreateDir: true}, nil)
	report, err := runner.Run(context.Background(), []string{input})
	if err != nil {
		t.Fatalf("Run with create_dir failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(missing, "talk.wav")); err != nil {
		t.Errorf("Expected output in created directory: %v", err)
	}
	if report.Failed() != 0 {
		t.Errorf("Unexpected failures: %v", report.Err())
	}
}

func TestRunCancelled(t *testing.T) {
	input := filepath.Join(t.TempDir(), "talk.wav")
	audiotest.WriteWAV(t, input, profile)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := newTestRunner(t, Config{OutputDir: t.TempDir()}, nil)
	report, err := runner.Run(ctx, []string{input})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if report.Results[0].Stage != stageSkipped {
		t.Errorf("Expected file to be skipped, got stage %q", report.Results[0].Stage)
	}
}
