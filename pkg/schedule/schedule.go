package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes the next run time after a given instant.
type Schedule interface {
	Next(from time.Time) time.Time
}

type everySchedule struct {
	interval time.Duration
}

// Every runs at a fixed interval. Intervals under one second are raised to
// one second.
func Every(d time.Duration) Schedule {
	if d < time.Second {
		d = time.Second
	}
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

type dailySchedule struct {
	hour, minute int
	loc          *time.Location
}

// Daily runs once a day at hour:minute UTC.
func Daily(hour, minute int) Schedule {
	return DailyIn(hour, minute, time.UTC)
}

// DailyIn runs once a day at hour:minute in loc.
func DailyIn(hour, minute int, loc *time.Location) Schedule {
	if loc == nil {
		loc = time.UTC
	}
	return &dailySchedule{hour: hour, minute: minute, loc: loc}
}

func (s *dailySchedule) Next(from time.Time) time.Time {
	from = from.In(s.loc)
	next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

type weeklySchedule struct {
	day          time.Weekday
	hour, minute int
	loc          *time.Location
}

// Weekly runs once a week on day at hour:minute UTC.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return &weeklySchedule{day: day, hour: hour, minute: minute, loc: time.UTC}
}

func (s *weeklySchedule) Next(from time.Time) time.Time {
	from = from.In(s.loc)
	days := int(s.day - from.Weekday())
	if days < 0 {
		days += 7
	}
	next := time.Date(from.Year(), from.Month(), from.Day()+days, s.hour, s.minute, 0, 0, s.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

type cronSchedule struct {
	schedule cron.Schedule
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five field cron expression or a descriptor such as
// "@hourly".
func ParseCron(expr string) (Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("jobs: invalid cron expression %q: %w", expr, err)
	}
	return &cronSchedule{schedule: s}, nil
}

// Cron is ParseCron for expressions known to be valid. It panics otherwise.
func Cron(expr string) Schedule {
	s, err := ParseCron(expr)
	if err != nil {
		panic(err.Error())
	}
	return s
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}
