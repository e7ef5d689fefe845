// Package worker provides the Worker type for job processing.
//
// This package includes:
//   - Worker: reserves, performs, retries and buries jobs
//   - Strategy: Simple, Forking, Threading and ThreadsOnFork
//   - Spawner: starts child processes for the forking strategies
//   - RunChild: the child side of the forking strategies
//   - Scheduler for recurring jobs
//
// Most users should import the root package github.com/jdziat/simple-beanstalk-jobs
// which provides jobs.Work and jobs.MaybeRunChild.
package worker
