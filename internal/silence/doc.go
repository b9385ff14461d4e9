// Package silence finds the leading and trailing silence boundaries of an audio clip.
// It classifies fixed-size windows by peak volume and scans the resulting silence flags
// from both ends for the first silence to speech transition.
package silence
