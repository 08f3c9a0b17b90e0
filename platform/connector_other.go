//go:build !linux

package platform

import (
	"log/slog"
	"time"

	"github.com/jnesss/pgcpu-recorder/types"
)

// Connector is a stub so the rest of the tree builds for development on
// other systems. Connect always fails.
type Connector struct{}

func Connect(_ *slog.Logger) (*Connector, error) {
	return nil, ErrUnsupported
}

func (c *Connector) Subscribe() error   { return ErrUnsupported }
func (c *Connector) Unsubscribe() error { return nil }
func (c *Connector) Close() error       { return nil }

func (c *Connector) Receive(_ time.Duration) (types.Event, error) {
	return types.Event{}, ErrUnsupported
}
