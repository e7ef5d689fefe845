// Package schedule provides schedules for recurring enqueues.
//
// This package includes:
//   - Schedule interface for computing the next run
//   - Every() for fixed-interval schedules
//   - Daily() and DailyIn() for a time of day
//   - Weekly() for a day of the week and time
//   - Cron() and ParseCron() for cron expressions
//
// A worker started with the scheduler enabled enqueues each registered
// recurring job whenever its schedule comes due.
package schedule
