// Package audiotest writes synthetic audio fixtures for tests.
package audiotest

import (
	"math"
	"os"
	"testing"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
)

// SampleRate of the generated fixtures
const SampleRate = beep.SampleRate(8000)

// Window is the length of one amplitude step in a profile
const Window = 100 * time.Millisecond

// SpeechProfile is silent for windows 0-2 and 7-9 and loud in between
var SpeechProfile = []float64{0, 0, 0, 0.5, 0.5, 0.5, 0.5, 0, 0, 0}

// Tone returns a 440Hz sine streamer whose amplitude changes every Window
func Tone(amplitudes []float64) beep.Streamer {
	perWindow := SampleRate.N(Window)
	total := perWindow * len(amplitudes)
	pos := 0

	return beep.StreamerFunc(func(samples [][2]float64) (n int, ok bool) {
		for i := range samples {
			if pos >= total {
				return n, n > 0
			}
			v := amplitudes[pos/perWindow] * math.Sin(2*math.Pi*440*float64(pos)/float64(SampleRate))
			samples[i] = [2]float64{v, v}
			pos++
			n++
		}
		return n, true
	})
}

// WriteWAV writes a mono 16-bit WAV file with one amplitude per Window
func WriteWAV(t testing.TB, path string, amplitudes []float64) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()

	format := beep.Format{SampleRate: SampleRate, NumChannels: 1, Precision: 2}
	if err := wav.Encode(f, Tone(amplitudes), format); err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}
