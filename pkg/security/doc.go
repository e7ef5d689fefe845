// Package security provides validation, sanitization, and limits for the jobs package.
//
// This package includes:
//   - Input validation for job class names and tube names
//   - Error message sanitization before errors are written to history
//   - Clamping functions for retries, threads, priorities, delays and time-to-run
//
// Most users should import the root package github.com/jdziat/simple-beanstalk-jobs
// which re-exports these functions.
package security
