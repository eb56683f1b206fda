// Package cmd implements the command-line interface for the dSQL
// distributed database middleware.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring a middleware node
//   - query: An interactive client for the statement socket
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dsql -help for a list of all commands.
package cmd
