package ports

import (
	"context"
	"errors"
)

// Notifier tells external listeners that new data was persisted.
type Notifier interface {
	Notify(ctx context.Context) error
}

// MultiNotifier fans a notification out to every notifier in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
