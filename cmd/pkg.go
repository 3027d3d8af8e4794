// Package main is the entry point for the ghcr-cleanup command. It parses
// the command line, merges the optional configuration file, validates the
// result and hands off to the cleanup runner.
package main
