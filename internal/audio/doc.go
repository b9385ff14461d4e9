// Package audio decodes audio files into seekable clips that can be sampled for peak volume,
// and writes a trimmed section of a clip back to disk as WAV (native) or through ffmpeg.
package audio
