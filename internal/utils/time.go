package utils

import "time"

func NowUTC() time.Time {
	return time.Now().UTC()
}

func RFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Clock lets timer-driven components be tested without sleeping.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return NowUTC() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}
