// Package batch trims silence from every file matched by an input pattern.
// Each file is decoded, scanned and written independently; a failing file is
// reported without stopping the others unless strict mode is enabled.
package batch
