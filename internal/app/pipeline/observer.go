package pipeline

import (
	"fmt"
	"sync"

	"github.com/ghalamif/ProxiFlow/internal/domain"
	"github.com/ghalamif/ProxiFlow/internal/ports"
)

const (
	ObserverModeSync  = "sync"
	ObserverModeAsync = "async"
)

type delivery struct {
	observer Observer
	record   *domain.Record
}

// dispatcher invokes observers behind a recover boundary, either inline or
// from a single consumer goroutine fed by a bounded queue.
type dispatcher struct {
	obs   ports.Observability
	async bool
	queue chan delivery
	done  chan struct{}
	once  sync.Once
}

func newDispatcher(pol ports.Policy, obs ports.Observability) *dispatcher {
	d := &dispatcher{obs: obs, async: pol.ObserverMode == ObserverModeAsync}
	if d.async {
		d.queue = make(chan delivery, pol.ObserverQueueLen)
		d.done = make(chan struct{})
		go d.run()
	}
	return d
}

func (d *dispatcher) dispatch(o Observer, r *domain.Record) {
	if o == nil {
		return
	}
	if !d.async {
		d.deliver(o, r)
		return
	}
	select {
	case d.queue <- delivery{observer: o, record: r}:
	default:
		d.obs.IncCounter(ports.MetricObserverFailures, 1)
		d.obs.LogError("observer_queue_full", fmt.Errorf("observer queue capacity %d exceeded", cap(d.queue)))
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for item := range d.queue {
		d.deliver(item.observer, item.record)
	}
}

func (d *dispatcher) deliver(o Observer, r *domain.Record) {
	defer func() {
		if v := recover(); v != nil {
			d.obs.IncCounter(ports.MetricObserverFailures, 1)
			d.obs.LogError("observer_failed", fmt.Errorf("observer panic: %v", v),
				ports.Field{Key: "timestamp", Value: r.Timestamp})
		}
	}()
	o.OnDataChanged(r)
}

// stop drains pending async deliveries. The caller guarantees no dispatch
// happens concurrently with or after stop.
func (d *dispatcher) stop() {
	if !d.async {
		return
	}
	d.once.Do(func() {
		close(d.queue)
		<-d.done
	})
}
