// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package cron

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expression string) Schedule {
	t.Helper()
	schedule, err := Parse(expression)
	if err != nil {
		t.Fatalf("Parse(%q): %v", expression, err)
	}
	return schedule
}

func TestNextDailyMidnight(t *testing.T) {
	schedule := mustParse(t, "0 0 * * *")
	from := time.Date(2026, 3, 14, 22, 30, 0, 0, time.UTC)
	next, err := schedule.Next(from)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %s, want %s", next, want)
	}
}

func TestNextEvaluatesInLocation(t *testing.T) {
	location, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	schedule := mustParse(t, "0 0 * * *")
	from := time.Date(2026, 6, 10, 23, 15, 0, 0, location)
	next, err := schedule.Next(from)
	if err != nil {
		t.Fatal(err)
	}
	if next.Hour() != 0 || next.Day() != 11 {
		t.Errorf("Next = %s, want local midnight June 11", next)
	}
	if next.Location() != location {
		t.Errorf("Next location = %v, want %v", next.Location(), location)
	}
}

func TestNextIsStrictlyAfter(t *testing.T) {
	schedule := mustParse(t, "0 0 * * *")
	exactly := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	next, err := schedule.Next(exactly)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next from an exact match = %s, want %s", next, want)
	}
}

func TestNextSteps(t *testing.T) {
	schedule := mustParse(t, "*/15 * * * *")
	from := time.Date(2026, 1, 1, 10, 20, 0, 0, time.UTC)
	next, err := schedule.Next(from)
	if err != nil {
		t.Fatal(err)
	}
	if next.Minute() != 30 {
		t.Errorf("Next minute = %d, want 30", next.Minute())
	}
}

func TestNextWeekdayRestriction(t *testing.T) {
	// Sundays only. Jan 1 2026 is a Thursday.
	schedule := mustParse(t, "0 6 * * 0")
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := schedule.Next(from)
	if err != nil {
		t.Fatal(err)
	}
	if next.Weekday() != time.Sunday || next.Hour() != 6 {
		t.Errorf("Next = %s, want Sunday 06:00", next)
	}
}

func TestNextImpossibleSchedule(t *testing.T) {
	schedule := mustParse(t, "0 0 31 2 *")
	if _, err := schedule.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); err == nil {
		t.Fatal("Feb 31 schedule produced a next time")
	}
}

func TestParseErrors(t *testing.T) {
	for _, expression := range []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"*/0 * * * *",
		"5-2 * * * *",
		"a * * * *",
	} {
		if _, err := Parse(expression); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", expression)
		}
	}
}
