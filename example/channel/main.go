package main

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/ProxiFlow"
)

// Pushes readings from platform code through an ExternalSensor and fans
// flush notifications out over a channel.
func main() {
	cfg := proxiflow.DefaultConfig()
	cfg.Source.Driver = "external"
	cfg.Store.Driver = "memory"

	sensor := proxiflow.NewExternalSensor(&proxiflow.DeviceInfo{
		Name:     "demo-proximity",
		Vendor:   "example",
		Type:     "proximity",
		MaxRange: 5,
	})
	notifier, notes, closeNotes := proxiflow.NewChannelNotifier(cfg.DeviceID, 8)
	defer closeNotes()

	rt, err := proxiflow.NewRuntime(cfg,
		proxiflow.WithSensor(sensor),
		proxiflow.WithNotifier(notifier),
	)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go fanoutWorker("ingest", notes)
	go pushReadings(ctx, sensor)

	if err := rt.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

func pushReadings(ctx context.Context, sensor *proxiflow.ExternalSensor) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// errors only mean sampling is paused
			_ = sensor.Push(ctx, float64(rand.IntN(2))*5, 3)
		}
	}
}

func fanoutWorker(name string, notes <-chan proxiflow.Notification) {
	for n := range notes {
		fmt.Printf("[%s] device %s persisted a batch at %s\n", name, n.DeviceID, n.At.Format(time.RFC3339))
	}
}
