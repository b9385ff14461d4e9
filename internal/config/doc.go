// Package config provides configuration loading and validation for the trimsilence tool.
// It handles YAML-based configuration layered over built-in defaults.
package config
