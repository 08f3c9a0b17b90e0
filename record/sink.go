package record

import (
	"errors"
	"time"
)

// Sink receives every exported record. Implementations are called from the
// tracker's goroutine only.
type Sink interface {
	Write(Record) error
}

// Starter is implemented by sinks that need the monitor start time before
// the first record.
type Starter interface {
	Start(time.Time) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Record) error

func (f SinkFunc) Write(r Record) error { return f(r) }

// MultiSink writes each record to every sink, continuing past failures.
type MultiSink []Sink

func (m MultiSink) Write(r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start forwards to every member implementing Starter.
func (m MultiSink) Start(t time.Time) error {
	var errs []error
	for _, s := range m {
		if st, ok := s.(Starter); ok {
			if err := st.Start(t); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
