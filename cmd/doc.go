// Package cmd implements the command-line interface for the pdal document
// access layer. It provides a hierarchical command structure for interacting
// with an embedded demo store and for measuring its performance.
//
// The package is organized into several subpackages:
//
//   - docs: Commands for document operations (put, get, update, scan, reshard)
//   - bench: Performance testing against an embedded store
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See pdal -help for a list of all commands.
package cmd
