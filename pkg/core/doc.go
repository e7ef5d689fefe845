// Package core provides the fundamental types shared by the jobs packages.
//
// This package contains:
//   - the Payload wire codec and the Args positional argument list
//   - sentinel and typed errors for broker, decoding and processing failures
//   - Event types for worker monitoring
//   - the JobRecord history model with GORM annotations
//
// Most users should import the root package github.com/jdziat/simple-beanstalk-jobs
// instead of this package directly.
package core
