package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/skypro1111/usrp-recorder/internal/transmission"
)

// Sink persists one flushed transmission
type Sink interface {
	Store(ctx context.Context, req *transmission.FlushRequest) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, req *transmission.FlushRequest) error

// Store calls f
func (f SinkFunc) Store(ctx context.Context, req *transmission.FlushRequest) error {
	return f(ctx, req)
}

// PartialError reports a Multi store where some sinks succeeded and others failed
type PartialError struct {
	Stored int
	Failed int
	Err    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("stored in %d of %d sinks: %v", e.Stored, e.Stored+e.Failed, e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

// Multi stores every request in all of its sinks and joins their errors.
// A failing sink does not stop the remaining ones. When at least one sink
// succeeded the joined error is wrapped in a *PartialError.
type Multi []Sink

// Store implements Sink
func (m Multi) Store(ctx context.Context, req *transmission.FlushRequest) error {
	var errs []error
	for i, s := range m {
		if err := s.Store(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	if stored := len(m) - len(errs); stored > 0 {
		return &PartialError{Stored: stored, Failed: len(errs), Err: err}
	}
	return err
}
