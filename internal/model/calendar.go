package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// DateLayout is the wire format of calendar days.
const DateLayout = "2006-01-02"

var clockRegex = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// ErrInvalidClock is returned for a target time that is not HH:MM.
var ErrInvalidClock = errors.New("model: invalid clock time (expected HH:MM)")

// Day returns the calendar day of t as seen in loc, normalised to midnight UTC.
// Calendar days are compared and stored in that form everywhere.
func Day(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD string into a normalised calendar day.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("model: invalid date %q: %w", s, err)
	}
	return t, nil
}

// DaysBetween returns the whole number of days from a to b (both calendar days).
func DaysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

// NormalizeClock validates an HH:MM string and zero-pads the hour.
func NormalizeClock(s string) (string, error) {
	m := clockRegex.FindStringSubmatch(s)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	h, _ := strconv.Atoi(m[1])
	return fmt.Sprintf("%02d:%s", h, m[2]), nil
}

// At returns the instant at which the local clock in loc reads hhmm on day.
func At(day time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	norm, err := NormalizeClock(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	h, _ := strconv.Atoi(norm[:2])
	mi, _ := strconv.Atoi(norm[3:])
	return time.Date(day.Year(), day.Month(), day.Day(), h, mi, 0, 0, loc).UTC(), nil
}

// EndOfDay returns 23:59:59 local time on day.
func EndOfDay(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, loc).UTC()
}

// Clock abstracts the current time so jobs and services can be tested.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always reports the same instant.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }
