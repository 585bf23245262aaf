package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/ProxiFlow/pkg/proxiflow"
)

func main() {
	flow, err := proxiflow.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printRecord := proxiflow.ObserverFunc(func(r *proxiflow.Record) {
		fmt.Printf("%s device=%s proximity=%.2f accuracy=%d label=%q\n",
			time.UnixMilli(r.Timestamp).Format(time.RFC3339Nano),
			r.DeviceID,
			r.Value,
			r.Accuracy,
			r.Label,
		)
	})
	flushed := func(context.Context) error {
		fmt.Printf("buffer persisted at %s\n", time.Now().Format(time.RFC3339))
		return nil
	}

	err = flow.
		StreamIN(proxiflow.StreamInObserver(printRecord)).
		Run(ctx, proxiflow.StreamOutCallback("stdout", flushed))
	if err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}
