package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/ProxiFlow"
)

//go:embed assets/banner.txt
var banner string

func main() {
	fmt.Print(banner)
	fmt.Println()
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "label":
		err = labelCommand(os.Args[2:])
	case "sync":
		err = syncCommand(os.Args[2:])
	case "start", "stop":
		err = lifecycleCommand(cmd, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("proxi-edge %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to edge configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := proxiflow.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return flow.Run(ctx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := proxiflow.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good: device=%s source=%s store=%s remote=%s\n",
		*cfgPath, cfg.DeviceID, cfg.Source.Driver, cfg.Store.Driver, cfg.Sync.Remote)
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100", "Control API base URL")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := newControlClient(*url)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming stats from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st, err := client.Status(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
				continue
			}
			fmt.Println(formatStatus(time.Now(), st))
		}
	}
}

func formatStatus(now time.Time, st *proxiflow.Status) string {
	return fmt.Sprintf("[%s] state=%s rate=%d/s buffer=%d pending=%d label=%q hz=%d period=%.2fm threshold=%.2f",
		now.Format(time.RFC3339),
		st.State,
		st.CurrentRate,
		st.BufferLen,
		st.PendingSync,
		st.Label,
		st.IntervalHz,
		st.PeriodMinutes,
		st.Threshold,
	)
}

func labelCommand(args []string) error {
	fs := flag.NewFlagSet("label", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100", "Control API base URL")
	value := fs.String("value", "", "Label attached to every following record")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := newControlClient(*url).SetLabel(context.Background(), *value)
	if err != nil {
		return err
	}
	fmt.Printf("label set to %q on %s\n", st.Label, st.DeviceID)
	return nil
}

func syncCommand(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100", "Control API base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := newControlClient(*url).Sync(context.Background()); err != nil {
		return err
	}
	fmt.Println("sync completed")
	return nil
}

func lifecycleCommand(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100", "Control API base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := newControlClient(*url)
	ctx := context.Background()
	var err error
	if cmd == "start" {
		err = client.Start(ctx)
	} else {
		err = client.Stop(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s accepted\n", cmd)
	return nil
}

func printUsage() {
	fmt.Printf(`ProxiFlow CLI

Usage:
  proxi-edge <command> [flags]

Commands:
  run        Start the edge runtime using the provided config
  validate   Load and validate a config file without starting the runtime
  stats      Poll the control API and print live sampling stats
  label      Set the label attached to new records
  sync       Upload pending records to the remote store
  start      Resume sampling on a running runtime
  stop       Stop sampling (the final flush still runs)

Examples:
  proxi-edge run -config ./data/config.yaml
  proxi-edge validate -config ./data/config.yaml
  proxi-edge stats -url http://localhost:9100 -interval 1s
  proxi-edge label -url http://localhost:9100 -value walking
  proxi-edge sync -url http://localhost:9100
`)
}
