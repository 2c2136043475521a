// Package main provides the entry point for the pipechain CLI.
//
// pipechain runs pipelines described in YAML definition files. Stages either
// form a dependent chain, where every item of one stage activates the next,
// or a merge, where stages run concurrently and their output is interleaved.
//
// Usage:
//
//	pipechain init
//	pipechain run pipechain.yaml
//	pipechain history
//
// See --help for all available options.
package main

// main is the entry point for pipechain.
func main() {
	Execute()
}
