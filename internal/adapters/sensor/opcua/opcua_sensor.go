package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/ProxiFlow/internal/domain"
	"github.com/ghalamif/ProxiFlow/internal/ports"
)

const (
	handleValue    uint32 = 1
	handleAccuracy uint32 = 2
)

// Config captures the runtime details required to open an OPC UA session
// against a proximity gateway.
type Config struct {
	Endpoint        string        `yaml:"endpoint"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SecurityMode    string        `yaml:"security_mode"`
	SecurityPolicy  string        `yaml:"security_policy"`
	ApplicationName string        `yaml:"application_name"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	// ValueNode carries the distance reading. Empty means the gateway has no
	// proximity sensor.
	ValueNode    string     `yaml:"value_node"`
	AccuracyNode string     `yaml:"accuracy_node"`
	Device       DeviceMeta `yaml:"device"`
}

// DeviceMeta describes the hardware behind the gateway; OPC UA does not
// expose it in a standard way.
type DeviceMeta struct {
	Name       string  `yaml:"name"`
	Vendor     string  `yaml:"vendor"`
	Version    string  `yaml:"version"`
	Type       string  `yaml:"type"`
	MaxRange   float64 `yaml:"max_range"`
	MinDelay   float64 `yaml:"min_delay"`
	Power      float64 `yaml:"power"`
	Resolution float64 `yaml:"resolution"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "ProxiFlow Edge"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 100 * time.Millisecond
	}
	if c.Device.Type == "" {
		c.Device.Type = "proximity"
	}
	if c.Device.Name == "" {
		c.Device.Name = c.ValueNode
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	return nil
}

// Sensor subscribes to one value node (and optionally an accuracy node) and
// emits a RawEvent per value change.
type Sensor struct {
	cfg      Config
	obs      ports.Observability
	accuracy atomic.Int64

	mu      sync.Mutex
	client  *opcua.Client
	sub     *opcua.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewSensor(cfg Config, obs ports.Observability) (*Sensor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if obs == nil {
		obs = ports.NopObservability{}
	}
	return &Sensor{cfg: cfg, obs: obs}, nil
}

func (s *Sensor) Info(context.Context) (*domain.DeviceInfo, error) {
	if s.cfg.ValueNode == "" {
		return nil, fmt.Errorf("opcua %s: %w", s.cfg.Endpoint, ports.ErrUnsupported)
	}
	d := s.cfg.Device
	return &domain.DeviceInfo{
		MaxRange:   d.MaxRange,
		MinDelay:   d.MinDelay,
		Name:       d.Name,
		Power:      d.Power,
		Resolution: d.Resolution,
		Type:       d.Type,
		Vendor:     d.Vendor,
		Version:    d.Version,
	}, nil
}

func (s *Sensor) Start(opts ports.SensorOptions, out chan<- *domain.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("opcua sensor already started")
	}
	if s.cfg.ValueNode == "" {
		return ports.ErrUnsupported
	}

	ctx, cancel := context.WithCancel(context.Background())
	client, err := opcua.NewClient(s.cfg.Endpoint, s.buildClientOptions()...)
	if err != nil {
		cancel()
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("opcua connect: %w", err)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, 16)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: s.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		cancel()
		_ = client.Close(ctx)
		return fmt.Errorf("opcua subscribe: %w", err)
	}

	nodes := map[uint32]string{handleValue: s.cfg.ValueNode}
	if s.cfg.AccuracyNode != "" {
		nodes[handleAccuracy] = s.cfg.AccuracyNode
	}
	for handle, id := range nodes {
		if err := s.monitor(ctx, sub, id, handle, opts.SamplingPeriodMicros); err != nil {
			cleanupOnError(ctx, cancel, sub, client)
			return err
		}
	}

	s.client = client
	s.sub = sub
	s.cancel = cancel
	s.started = true

	s.wg.Add(1)
	go s.consume(ctx, notifyCh, out)
	return nil
}

func (s *Sensor) monitor(ctx context.Context, sub *opcua.Subscription, node string, handle uint32, samplingMicros int) error {
	nodeID, err := ua.ParseNodeID(node)
	if err != nil {
		return fmt.Errorf("parse node id %q: %w", node, err)
	}
	req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
	if samplingMicros > 0 {
		req.RequestedParameters.SamplingInterval = float64(samplingMicros) / 1000
	}
	res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
	if err != nil {
		return fmt.Errorf("monitor node %q: %w", node, err)
	}
	if len(res.Results) == 0 {
		return fmt.Errorf("monitor node %q failed: empty result", node)
	}
	if res.Results[0].StatusCode != ua.StatusOK {
		return fmt.Errorf("monitor node %q failed: %s", node, res.Results[0].StatusCode)
	}
	return nil
}

// Stop cancels the subscription and waits for the consumer, so no event is
// sent on out after it returns.
func (s *Sensor) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel, sub, client := s.cancel, s.sub, s.client
	s.started = false
	s.cancel, s.sub, s.client = nil, nil, nil
	s.mu.Unlock()

	cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	var err error
	if sub != nil {
		if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	if client != nil {
		if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}

	s.wg.Wait()
	return err
}

func (s *Sensor) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData, out chan<- *domain.RawEvent) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				s.obs.LogError("opcua_notification_failed", notif.Error)
				continue
			}
			data, ok := notif.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, ev := range s.events(data) {
				select {
				case <-ctx.Done():
					return
				case out <- ev:
				}
			}
		}
	}
}

// events turns one notification into raw events. Accuracy updates are held
// and attached to the following value changes.
func (s *Sensor) events(data *ua.DataChangeNotification) []*domain.RawEvent {
	var evs []*domain.RawEvent
	for _, item := range data.MonitoredItems {
		if item == nil || item.Value == nil {
			continue
		}
		fv, ok := variantToFloat(item.Value.Value)
		if !ok {
			s.obs.LogDebug("opcua_unsupported_type", ports.Field{Key: "handle", Value: item.ClientHandle})
			continue
		}
		switch item.ClientHandle {
		case handleAccuracy:
			s.accuracy.Store(int64(fv))
		case handleValue:
			ts := item.Value.SourceTimestamp
			if ts.IsZero() {
				ts = item.Value.ServerTimestamp
			}
			if ts.IsZero() {
				ts = time.Now()
			}
			evs = append(evs, &domain.RawEvent{
				Value:             fv,
				HardwareTimestamp: ts.UnixNano(),
				Accuracy:          int(s.accuracy.Load()),
				ArrivalTime:       time.Now().UnixMilli(),
			})
		}
	}
	return evs
}

func (s *Sensor) buildClientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(s.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(s.cfg.SecurityPolicy)),
		opcua.ApplicationName(s.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if s.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(s.cfg.Username, s.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func cleanupOnError(ctx context.Context, cancel context.CancelFunc, sub *opcua.Subscription, client *opcua.Client) {
	if sub != nil {
		_ = sub.Cancel(ctx)
	}
	if client != nil {
		_ = client.Close(ctx)
	}
	cancel()
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}

	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.Sensor = (*Sensor)(nil)
