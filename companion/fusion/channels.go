package fusion

import (
	"context"
	"time"

	"github.com/mjasion/vitalsync/pkg/types"
)

// PushChannel opens a live subscription to one device's telemetry
type PushChannel interface {
	Connect(ctx context.Context, deviceID string) (PushHandle, error)
}

// PushHandle is one live subscription. Messages are delivered in broker order;
// those received before OnMessage go to the first callback.
type PushHandle interface {
	OnMessage(callback func(types.Payload))
	Disconnect()
	IsConnected() bool
}

// PullChannel is the REST collaborator used for polling and history seeding
type PullChannel interface {
	GetLatest(ctx context.Context, deviceID string) (types.Payload, error)
	GetHistory(ctx context.Context, deviceID string, window time.Duration) ([]types.Payload, error)
}
