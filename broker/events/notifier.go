// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"errors"
)

// Notifier receives broker events. Notify must not block the caller; slow
// sinks queue events internally.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
	Close() error
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

var _ Notifier = Multi(nil)

// Notify forwards event to every notifier and joins their errors.
func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every notifier.
func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
