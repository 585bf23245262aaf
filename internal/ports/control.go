package ports

import "context"

// Status is a point-in-time view of a running session.
type Status struct {
	DeviceID      string  `json:"device_id"`
	State         string  `json:"state"`
	CurrentRate   int     `json:"current_rate"`
	BufferLen     int     `json:"buffer_len"`
	Label         string  `json:"label"`
	IntervalHz    int     `json:"interval_hz"`
	PeriodMinutes float64 `json:"period_minutes"`
	Threshold     float64 `json:"threshold"`
	PendingSync   uint64  `json:"pending_sync"`
}

// Controller is what the control surfaces (HTTP, MQTT) drive.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SetLabel(label string)
	Sync(ctx context.Context) error
	Status() Status
}
