package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skypro1111/usrp-recorder/internal/transmission"
)

// ErrSkipped is returned when a flush is filtered out by a Policy
var ErrSkipped = errors.New("transmission skipped by policy")

// Policy decides which completed transmissions are worth persisting.
// Zero values disable each check.
type Policy struct {
	MinDuration time.Duration
	MaxDuration time.Duration
	SkipEmpty   bool
}

// Enabled reports whether any check is active
func (p Policy) Enabled() bool {
	return p.MinDuration > 0 || p.MaxDuration > 0 || p.SkipEmpty
}

// Check returns an error wrapping ErrSkipped when req should not be stored
func (p Policy) Check(req *transmission.FlushRequest) error {
	if p.SkipEmpty && len(req.Audio) == 0 {
		return fmt.Errorf("%w: no audio", ErrSkipped)
	}

	d := req.Duration()
	if p.MinDuration > 0 && d < p.MinDuration {
		return fmt.Errorf("%w: duration %s below minimum %s", ErrSkipped, d, p.MinDuration)
	}
	if p.MaxDuration > 0 && d > p.MaxDuration {
		return fmt.Errorf("%w: duration %s above maximum %s", ErrSkipped, d, p.MaxDuration)
	}

	return nil
}

// Filter wraps sink so that requests rejected by policy never reach it
func Filter(sink Sink, policy Policy) Sink {
	if !policy.Enabled() {
		return sink
	}
	return SinkFunc(func(ctx context.Context, req *transmission.FlushRequest) error {
		if err := policy.Check(req); err != nil {
			return err
		}
		return sink.Store(ctx, req)
	})
}
