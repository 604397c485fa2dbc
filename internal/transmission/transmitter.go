package transmission

import (
	"context"

	"github.com/carbono-zero/co2-live/internal/session"
)

// Transmitter defines the interface for publishing session snapshots
type Transmitter interface {
	Transmit(ctx context.Context, snap *session.Snapshot) error
	IsConnected() bool
}
