// Package handler provides internal reflection-based handler execution.
//
// This package is internal and should not be imported directly.
// It provides:
//   - Handler: metadata and execution for registered perform functions
//   - positional argument decoding from JSON into typed parameters
package handler
