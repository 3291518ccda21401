// Package main is the entry point for bootseq, the container bootstrap
// sequencer.
package main

func main() {
	Execute()
}
