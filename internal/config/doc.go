// Package config provides configuration structures and utilities for pipechain.
// It defines the engine tunables, run options, and the YAML pipeline
// definition format.
package config
