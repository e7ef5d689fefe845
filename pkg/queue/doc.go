// Package queue provides the Queue type that producers and workers share.
//
// This package includes:
//   - Queue: the class registry and producer
//   - Option: settings for registering classes and enqueueing jobs
//   - DeferredCall: enqueue a method call on a stored object
//   - recurring schedules and the event stream
//
// Most users should import the root package github.com/jdziat/simple-beanstalk-jobs
// which re-exports Queue and all option functions.
package queue
