package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ghalamif/ProxiFlow/internal/ports"
)

// Publisher is the slice of Client the remote needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Remote publishes each sync batch as one JSON message on
// <prefix>/<deviceId>/<table>.
type Remote struct {
	pub      Publisher
	prefix   string
	deviceID string
}

type batchMessage struct {
	Table    string           `json:"table"`
	DeviceID string           `json:"device_id"`
	Items    []ports.SyncItem `json:"items"`
}

func NewRemote(pub Publisher, topicPrefix, deviceID string) *Remote {
	return &Remote{pub: pub, prefix: topicPrefix, deviceID: deviceID}
}

func (r *Remote) Name() string { return "mqtt" }

func (r *Remote) Topic(table string) string {
	return fmt.Sprintf("%s/%s/%s", r.prefix, r.deviceID, table)
}

func (r *Remote) Upload(ctx context.Context, table string, items []ports.SyncItem) error {
	if len(items) == 0 {
		return nil
	}
	b, err := json.Marshal(batchMessage{Table: table, DeviceID: r.deviceID, Items: items})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	return r.pub.Publish(ctx, r.Topic(table), b)
}

func (r *Remote) Close() error { return r.pub.Close() }

var _ ports.Remote = (*Remote)(nil)
