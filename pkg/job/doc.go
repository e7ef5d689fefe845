// Package job wraps one reserved broker job.
//
// A Job decodes the {"class": ..., "args": [...]} body, resolves the class's
// perform function and hooks, and runs the perform pipeline:
//
//	before_perform gates -> around_perform chain -> perform -> delete -> after_perform
//
// The perform runs under a deadline derived from the job's time-to-run so a
// stuck handler is abandoned before the broker hands the job to someone else.
// Retry, Bury and Touch fire their hooks and then talk to the broker.
package job
