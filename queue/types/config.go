// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidConfig indicates an invalid queue configuration.
var ErrInvalidConfig = errors.New("invalid queue configuration")

// DefaultDeliveryHandler is the handler key used when none is configured.
const DefaultDeliveryHandler = "default"

// QueueStatus selects the state strategy of a queue.
type QueueStatus string

const (
	StatusNotInitialized QueueStatus = "not-initialized"
	StatusPush           QueueStatus = "push"
	StatusRoundRobin     QueueStatus = "round-robin"
	StatusPull           QueueStatus = "pull"
	StatusRoute          QueueStatus = "route"
	StatusPaused         QueueStatus = "paused"
	StatusStopped        QueueStatus = "stopped"
)

// ParseStatus parses a user supplied status name.
func ParseStatus(s string) (QueueStatus, error) {
	switch QueueStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPush, "broadcast":
		return StatusPush, nil
	case StatusRoundRobin, "roundrobin":
		return StatusRoundRobin, nil
	case StatusPull:
		return StatusPull, nil
	case StatusRoute, "fire-and-forget":
		return StatusRoute, nil
	case StatusPaused, "pause":
		return StatusPaused, nil
	case StatusStopped, "stop":
		return StatusStopped, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidConfig, s)
}

// AckMode is the consumer acknowledgment policy of a queue.
type AckMode string

const (
	// AckNone sends and forgets.
	AckNone AckMode = "none"
	// AckRequest tracks consumer acks without holding dispatch.
	AckRequest AckMode = "request"
	// AckWait holds dispatch until the previous message is acknowledged.
	AckWait AckMode = "wait"
)

// ParseAckMode parses a user supplied acknowledge mode.
func ParseAckMode(s string) (AckMode, error) {
	switch AckMode(strings.ToLower(strings.TrimSpace(s))) {
	case AckNone, "":
		return AckNone, nil
	case AckRequest, "just-request":
		return AckRequest, nil
	case AckWait, "wait-for-ack":
		return AckWait, nil
	}
	return "", fmt.Errorf("%w: unknown acknowledge mode %q", ErrInvalidConfig, s)
}

// AutoDestroy is the policy for removing idle queues.
type AutoDestroy string

const (
	AutoDestroyDisabled    AutoDestroy = "disabled"
	AutoDestroyNoConsumers AutoDestroy = "no-consumers"
	AutoDestroyNoMessages  AutoDestroy = "no-messages"
	AutoDestroyEmpty       AutoDestroy = "empty"
)

// ParseAutoDestroy parses a user supplied auto-destroy policy.
func ParseAutoDestroy(s string) (AutoDestroy, error) {
	switch AutoDestroy(strings.ToLower(strings.TrimSpace(s))) {
	case AutoDestroyDisabled, "", "false":
		return AutoDestroyDisabled, nil
	case AutoDestroyNoConsumers:
		return AutoDestroyNoConsumers, nil
	case AutoDestroyNoMessages:
		return AutoDestroyNoMessages, nil
	case AutoDestroyEmpty, "true":
		return AutoDestroyEmpty, nil
	}
	return "", fmt.Errorf("%w: unknown auto destroy policy %q", ErrInvalidConfig, s)
}

// QueueConfig defines the options of a queue.
type QueueConfig struct {
	Name   string
	Topic  string
	Status QueueStatus

	Acknowledge    AckMode
	AckTimeout     time.Duration // Zero waits for the ack or a disconnect.
	MessageTimeout time.Duration // Zero keeps messages until delivered.

	// Limits, zero means unlimited.
	MessageLimit     int
	MessageSizeLimit int64
	ClientLimit      int

	DelayBetweenMessages time.Duration
	PutBackDelay         time.Duration
	AutoDestroy          AutoDestroy
	DeliveryHandler      string
	UniqueIDCheck        bool

	// ConsumerWaitTimeout bounds how long round-robin dispatch waits for a
	// busy consumer before leaving the message for the next trigger.
	ConsumerWaitTimeout time.Duration
}

// DefaultQueueConfig returns default queue configuration.
func DefaultQueueConfig(name string) QueueConfig {
	return QueueConfig{
		Name:                name,
		Status:              StatusRoundRobin,
		Acknowledge:         AckNone,
		AckTimeout:          15 * time.Second,
		AutoDestroy:         AutoDestroyDisabled,
		DeliveryHandler:     DefaultDeliveryHandler,
		ConsumerWaitTimeout: 30 * time.Second,
	}
}

// Validate validates queue configuration.
func (c *QueueConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return fmt.Errorf("%w: empty name", ErrInvalidConfig)
	case strings.ContainsAny(c.Name, " \t\r\n"):
		return fmt.Errorf("%w: name contains whitespace", ErrInvalidConfig)
	case c.MessageLimit < 0 || c.MessageSizeLimit < 0 || c.ClientLimit < 0:
		return fmt.Errorf("%w: negative limit", ErrInvalidConfig)
	case c.AckTimeout < 0 || c.MessageTimeout < 0 || c.DelayBetweenMessages < 0 ||
		c.PutBackDelay < 0 || c.ConsumerWaitTimeout < 0:
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}

	switch c.Status {
	case StatusPush, StatusRoundRobin, StatusPull, StatusRoute, StatusPaused, StatusStopped:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidConfig, c.Status)
	}

	switch c.Acknowledge {
	case AckNone, AckRequest, AckWait:
	default:
		return fmt.Errorf("%w: unknown acknowledge mode %q", ErrInvalidConfig, c.Acknowledge)
	}

	switch c.AutoDestroy {
	case AutoDestroyDisabled, AutoDestroyNoConsumers, AutoDestroyNoMessages, AutoDestroyEmpty:
	default:
		return fmt.Errorf("%w: unknown auto destroy policy %q", ErrInvalidConfig, c.AutoDestroy)
	}

	return nil
}

// ApplyHeaders translates queue option headers into c. Unknown headers are
// ignored; malformed values are reported without partially applying them.
func (c *QueueConfig) ApplyHeaders(headers map[string]string) error {
	next := *c
	for key, value := range headers {
		var err error
		switch key {
		case HeaderQueueStatus:
			next.Status, err = ParseStatus(value)
		case HeaderQueueTopic:
			next.Topic = value
		case HeaderAcknowledge:
			next.Acknowledge, err = ParseAckMode(value)
		case HeaderAckTimeout:
			next.AckTimeout, err = parseDuration(value)
		case HeaderMessageTimeout:
			next.MessageTimeout, err = parseDuration(value)
		case HeaderMessageLimit:
			next.MessageLimit, err = strconv.Atoi(value)
		case HeaderMessageSizeLimit:
			next.MessageSizeLimit, err = strconv.ParseInt(value, 10, 64)
		case HeaderClientLimit:
			next.ClientLimit, err = strconv.Atoi(value)
		case HeaderDelayBetweenMessages:
			next.DelayBetweenMessages, err = parseDuration(value)
		case HeaderPutBackDelay:
			next.PutBackDelay, err = parseDuration(value)
		case HeaderAutoDestroy:
			next.AutoDestroy, err = ParseAutoDestroy(value)
		case HeaderDeliveryHandler:
			next.DeliveryHandler = value
		case HeaderUniqueIDCheck:
			next.UniqueIDCheck, err = strconv.ParseBool(value)
		}
		if err != nil {
			return fmt.Errorf("%w: header %s: %v", ErrInvalidConfig, key, err)
		}
	}
	*c = next
	return nil
}

// parseDuration accepts Go durations ("1.5s") and plain milliseconds ("1500").
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}
