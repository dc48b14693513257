package api

import (
	"context"

	"codeberg.org/mutker/ecoflowctl/internal/detector"
	"codeberg.org/mutker/ecoflowctl/internal/device"
	"codeberg.org/mutker/ecoflowctl/internal/monitor"
	"codeberg.org/mutker/ecoflowctl/internal/telemetry"
)

// Controller is the part of the monitor the command surface needs.
type Controller interface {
	State() monitor.State
	ChargingState() detector.ChargingState
	ReadField(key string) (telemetry.Value, bool)
	ReadSnapshot() telemetry.Snapshot
	PublishCommand(ctx context.Context, cmd device.Command) error
}
