/*
schedule.go - Work schedule parsing and the per-weekday working window

PURPOSE:
  Work schedules arrive as a flexible JSON payload (the directory service
  owns their CRUD). This file parses that payload ONCE into a strongly-typed
  per-weekday structure, validates it, and treats it as immutable
  configuration from then on.

PAYLOAD SHAPE:
  {
    "days": {
      "monday":  {"start": "09:00", "end": "17:30", "breaks": [{"start": "12:00", "end": "12:30"}]},
      ...
    }
  }

  A weekday absent from "days" is a non-working day.
*/
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/warp/leave-ledger/core"
)

// =============================================================================
// WORK SCHEDULE - Immutable per-weekday windows
// =============================================================================

// ClockTime is a minute offset from midnight (0..1440).
type ClockTime int

func (c ClockTime) Hour() int    { return int(c) / 60 }
func (c ClockTime) Minute() int  { return int(c) % 60 }
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// Window is a half-open [Start, End) span within one day.
type Window struct {
	Start ClockTime
	End   ClockTime
}

// Minutes returns the window length in minutes.
func (w Window) Minutes() int { return int(w.End - w.Start) }

// Overlap returns the intersection of two windows; a zero-length window when
// they do not intersect.
func (w Window) Overlap(o Window) Window {
	start := w.Start
	if o.Start > start {
		start = o.Start
	}
	end := w.End
	if o.End < end {
		end = o.End
	}
	if end < start {
		end = start
	}
	return Window{Start: start, End: end}
}

// DayWindow is the working span for one weekday, with scheduled breaks.
type DayWindow struct {
	Working Window
	Breaks  []Window
}

// WorkSchedule maps each weekday to its working window.
// Absent weekdays are non-working.
type WorkSchedule struct {
	ID   string
	Days map[time.Weekday]DayWindow
}

// IsWorkingDay reports whether the weekday has a working window.
func (ws WorkSchedule) IsWorkingDay(wd time.Weekday) bool {
	_, ok := ws.Days[wd]
	return ok
}

// WindowFor returns the working window for a weekday.
func (ws WorkSchedule) WindowFor(wd time.Weekday) (DayWindow, bool) {
	dw, ok := ws.Days[wd]
	return dw, ok
}

// DefaultSchedule is Monday..Friday 09:00-17:00 with no breaks.
func DefaultSchedule() WorkSchedule {
	days := make(map[time.Weekday]DayWindow, 5)
	for wd := time.Monday; wd <= time.Friday; wd++ {
		days[wd] = DayWindow{Working: Window{Start: 9 * 60, End: 17 * 60}}
	}
	return WorkSchedule{ID: "default", Days: days}
}

// ScheduleSource resolves a work schedule by id.
// An empty id yields the organization's default schedule.
type ScheduleSource interface {
	Schedule(ctx context.Context, org core.OrgID, scheduleID string) (WorkSchedule, error)
}

// StaticSchedules serves schedules from a fixed map, falling back to the
// default schedule for unknown or empty ids.
type StaticSchedules struct {
	Schedules map[string]WorkSchedule
}

func (s StaticSchedules) Schedule(_ context.Context, _ core.OrgID, id string) (WorkSchedule, error) {
	if ws, ok := s.Schedules[id]; ok {
		return ws, nil
	}
	return DefaultSchedule(), nil
}

// =============================================================================
// PARSING - Flexible payload to typed schedule
// =============================================================================

type schedulePayload struct {
	Days map[string]dayPayload `json:"days"`
}

type dayPayload struct {
	Start  string         `json:"start"`
	End    string         `json:"end"`
	Breaks []breakPayload `json:"breaks"`
}

type breakPayload struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseSchedule parses and validates a schedule payload.
// Validation happens here, once; downstream code trusts the result.
func ParseSchedule(id string, payload []byte) (WorkSchedule, error) {
	var sp schedulePayload
	if err := json.Unmarshal(payload, &sp); err != nil {
		return WorkSchedule{}, core.Faultf(core.CodeValidation, "malformed schedule payload: %v", err)
	}
	if len(sp.Days) == 0 {
		return WorkSchedule{}, core.Faultf(core.CodeValidation, "schedule %q has no working days", id)
	}

	ws := WorkSchedule{ID: id, Days: make(map[time.Weekday]DayWindow, len(sp.Days))}
	for name, dp := range sp.Days {
		wd, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return WorkSchedule{}, core.Faultf(core.CodeValidation, "schedule %q: unknown weekday %q", id, name)
		}

		working, err := parseWindow(dp.Start, dp.End)
		if err != nil {
			return WorkSchedule{}, core.Faultf(core.CodeValidation, "schedule %q %s: %v", id, name, err)
		}

		dw := DayWindow{Working: working}
		for _, bp := range dp.Breaks {
			br, err := parseWindow(bp.Start, bp.End)
			if err != nil {
				return WorkSchedule{}, core.Faultf(core.CodeValidation, "schedule %q %s break: %v", id, name, err)
			}
			if br.Start < working.Start || br.End > working.End {
				return WorkSchedule{}, core.Faultf(core.CodeValidation,
					"schedule %q %s: break %s-%s outside working window", id, name, br.Start, br.End)
			}
			dw.Breaks = append(dw.Breaks, br)
		}
		ws.Days[wd] = dw
	}
	return ws, nil
}

func parseWindow(start, end string) (Window, error) {
	s, err := parseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return Window{}, err
	}
	if e <= s {
		return Window{}, fmt.Errorf("window end %s not after start %s", end, start)
	}
	return Window{Start: s, End: e}, nil
}

func parseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

// WorkingMinutes returns the net working minutes of a day window, with breaks
// removed.
func (dw DayWindow) WorkingMinutes() int {
	minutes := dw.Working.Minutes()
	for _, br := range dw.Breaks {
		minutes -= dw.Working.Overlap(br).Minutes()
	}
	return minutes
}
