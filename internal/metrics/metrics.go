// Package metrics implements the narrow observability capability §6
// requires: one counter per top-level error class (error.<ClassName>) and
// one gauge for nonzero backoff delays (user_thread.delayed_start).
//
// No dependency in the example pack exposes a ready-to-wire metrics
// emission API: the pack's otel/grpc-gateway packages are indirect
// dependencies pulled in transitively by testcontainers-go, not something
// application code imports to emit metrics. The teacher itself has no
// metrics package at all — it logs with the standard library's log
// package and stops there. This package follows that precedent: a
// mutex-guarded counter map and a single gauge value, logged through the standard log
// package the way the teacher logs everything else, behind the narrow
// Sink interface so a real sink (Prometheus, statsd, ...) can be
// substituted later without touching the worker.
package metrics

import (
	"log"
	"sync"
)

// Sink is the capability syncengine.Worker depends on. Implementations
// must be safe for concurrent use across user workers.
type Sink interface {
	IncrementError(class string)
	SetDelayedStart(seconds float64)
}

// LogSink logs every observation through the standard log package and
// keeps an in-memory tally, so tests can assert on counts without a real
// metrics backend.
type LogSink struct {
	mu           sync.Mutex
	errorCounts  map[string]int
	delayedStart float64
}

// NewLogSink constructs an empty LogSink.
func NewLogSink() *LogSink {
	return &LogSink{errorCounts: make(map[string]int)}
}

// IncrementError records one occurrence of class.
func (s *LogSink) IncrementError(class string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCounts[class]++
	log.Printf("metric error.%s = %d", class, s.errorCounts[class])
}

// SetDelayedStart records a nonzero backoff delay in seconds.
func (s *LogSink) SetDelayedStart(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayedStart = seconds
	log.Printf("metric user_thread.delayed_start = %.0f", seconds)
}

// ErrorCount returns the current tally for class, for tests.
func (s *LogSink) ErrorCount(class string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCounts[class]
}

// Noop discards every observation. Useful for tests that don't care about
// metrics at all.
type Noop struct{}

func (Noop) IncrementError(string)    {}
func (Noop) SetDelayedStart(float64) {}
