package mqtt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ghalamif/ProxiFlow/internal/ports"
)

// Subscriber is the slice of Client the control listener needs.
type Subscriber interface {
	Subscribe(topic string, handler MessageHandler, onError func(topic string, err error)) error
	Unsubscribe(topics ...string) error
}

// Control maps <prefix>/<deviceId>/control/{label,sync,stop} onto a Controller.
type Control struct {
	sub     Subscriber
	ctl     ports.Controller
	obs     ports.Observability
	base    string
	timeout time.Duration
}

func NewControl(sub Subscriber, ctl ports.Controller, obs ports.Observability, topicPrefix, deviceID string) *Control {
	if obs == nil {
		obs = ports.NopObservability{}
	}
	return &Control{
		sub:     sub,
		ctl:     ctl,
		obs:     obs,
		base:    fmt.Sprintf("%s/%s/control/", topicPrefix, deviceID),
		timeout: 30 * time.Second,
	}
}

func (c *Control) Listen() error {
	return c.sub.Subscribe(c.base+"+", c.Handle, func(topic string, err error) {
		c.obs.LogError("mqtt_control_failed", err, ports.Field{Key: "topic", Value: topic})
	})
}

// Handle dispatches one control message; exported for tests.
func (c *Control) Handle(topic string, payload []byte) error {
	cmd, ok := strings.CutPrefix(topic, c.base)
	if !ok {
		return fmt.Errorf("unexpected control topic %s", topic)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.obs.LogInfo("mqtt_control", ports.Field{Key: "command", Value: cmd})
	switch cmd {
	case "label":
		c.ctl.SetLabel(strings.TrimSpace(string(payload)))
		return nil
	case "sync":
		return c.ctl.Sync(ctx)
	case "stop":
		return c.ctl.Stop(ctx)
	case "start":
		return c.ctl.Start(ctx)
	default:
		return fmt.Errorf("unknown control command %q", cmd)
	}
}

func (c *Control) Close() error {
	return c.sub.Unsubscribe(c.base + "+")
}
