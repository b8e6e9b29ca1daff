// Package events restates the teacher's/original's global event_system
// (original_source's events/event_system.cpp) as spec.md §9's design
// note: "an explicit Sink[Event] parameter passed into component
// constructors; process-wide lifetime is not required for correctness."
package events

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Event is anything a component wants to report for observability. Name
// matches the original's event type names (e.g. "filesystem_item_opened",
// "drive_mount_failed") so a consumer built against the original's event
// log can recognize them.
type Event struct {
	Name   string
	Fields map[string]any
	At     time.Time
}

// Sink receives Events. Components take a Sink at construction time
// rather than reaching for a process-wide singleton.
type Sink interface {
	Raise(Event)
}

// LogSink adapts logrus as a Sink, the teacher's structured-logging
// dependency, for components that have no dedicated consumer wired in.
type LogSink struct {
	Log *logrus.Entry
}

// NewLogSink builds a LogSink writing through log.
func NewLogSink(log *logrus.Entry) *LogSink {
	return &LogSink{Log: log}
}

// Raise implements Sink.
func (s *LogSink) Raise(ev Event) {
	entry := s.Log.WithFields(logrus.Fields(ev.Fields))
	entry.Debug(ev.Name)
}

// Nop is a Sink that discards every event, useful in tests.
type Nop struct{}

// Raise implements Sink.
func (Nop) Raise(Event) {}

// New builds an Event with the fields recorded at the current time. Time
// is taken from the caller-provided clock so tests remain deterministic.
func New(now time.Time, name string, fields map[string]any) Event {
	return Event{Name: name, Fields: fields, At: now}
}
