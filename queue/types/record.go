// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// QueueRecord is the flat, durable configuration of a queue as saved by a
// configuration store. Durations are kept in milliseconds.
type QueueRecord struct {
	Name                  string `json:"name" yaml:"name"`
	Topic                 string `json:"topic,omitempty" yaml:"topic,omitempty"`
	Status                string `json:"status" yaml:"status"`
	DeliveryHandler       string `json:"delivery_handler,omitempty" yaml:"delivery_handler,omitempty"`
	Acknowledge           string `json:"acknowledge" yaml:"acknowledge"`
	AckTimeoutMs          int64  `json:"ack_timeout_ms" yaml:"ack_timeout_ms"`
	MessageTimeoutMs      int64  `json:"message_timeout_ms" yaml:"message_timeout_ms"`
	MessageLimit          int    `json:"message_limit" yaml:"message_limit"`
	MessageSizeLimit      int64  `json:"message_size_limit" yaml:"message_size_limit"`
	ClientLimit           int    `json:"client_limit" yaml:"client_limit"`
	DelayBetweenMsgsMs    int64  `json:"delay_between_messages_ms" yaml:"delay_between_messages_ms"`
	PutBackDelayMs        int64  `json:"put_back_delay_ms" yaml:"put_back_delay_ms"`
	AutoDestroy           string `json:"auto_destroy" yaml:"auto_destroy"`
	UniqueIDCheck         bool   `json:"unique_id_check,omitempty" yaml:"unique_id_check,omitempty"`
	ConsumerWaitTimeoutMs int64  `json:"consumer_wait_timeout_ms,omitempty" yaml:"consumer_wait_timeout_ms,omitempty"`
}

// ToRecord flattens the configuration for durable storage.
func (c QueueConfig) ToRecord() QueueRecord {
	return QueueRecord{
		Name:                  c.Name,
		Topic:                 c.Topic,
		Status:                string(c.Status),
		DeliveryHandler:       c.DeliveryHandler,
		Acknowledge:           string(c.Acknowledge),
		AckTimeoutMs:          c.AckTimeout.Milliseconds(),
		MessageTimeoutMs:      c.MessageTimeout.Milliseconds(),
		MessageLimit:          c.MessageLimit,
		MessageSizeLimit:      c.MessageSizeLimit,
		ClientLimit:           c.ClientLimit,
		DelayBetweenMsgsMs:    c.DelayBetweenMessages.Milliseconds(),
		PutBackDelayMs:        c.PutBackDelay.Milliseconds(),
		AutoDestroy:           string(c.AutoDestroy),
		UniqueIDCheck:         c.UniqueIDCheck,
		ConsumerWaitTimeoutMs: c.ConsumerWaitTimeout.Milliseconds(),
	}
}

// FromRecord rebuilds a configuration from a durable record. Missing fields
// keep the values of base.
func FromRecord(r QueueRecord, base QueueConfig) (QueueConfig, error) {
	cfg := base
	cfg.Name = r.Name
	cfg.Topic = r.Topic

	if r.Status != "" {
		status, err := ParseStatus(r.Status)
		if err != nil {
			return QueueConfig{}, err
		}
		cfg.Status = status
	}
	if r.Acknowledge != "" {
		ack, err := ParseAckMode(r.Acknowledge)
		if err != nil {
			return QueueConfig{}, err
		}
		cfg.Acknowledge = ack
	}
	if r.AutoDestroy != "" {
		ad, err := ParseAutoDestroy(r.AutoDestroy)
		if err != nil {
			return QueueConfig{}, err
		}
		cfg.AutoDestroy = ad
	}
	if r.DeliveryHandler != "" {
		cfg.DeliveryHandler = r.DeliveryHandler
	}

	cfg.AckTimeout = time.Duration(r.AckTimeoutMs) * time.Millisecond
	cfg.MessageTimeout = time.Duration(r.MessageTimeoutMs) * time.Millisecond
	cfg.MessageLimit = r.MessageLimit
	cfg.MessageSizeLimit = r.MessageSizeLimit
	cfg.ClientLimit = r.ClientLimit
	cfg.DelayBetweenMessages = time.Duration(r.DelayBetweenMsgsMs) * time.Millisecond
	cfg.PutBackDelay = time.Duration(r.PutBackDelayMs) * time.Millisecond
	cfg.UniqueIDCheck = r.UniqueIDCheck
	if r.ConsumerWaitTimeoutMs > 0 {
		cfg.ConsumerWaitTimeout = time.Duration(r.ConsumerWaitTimeoutMs) * time.Millisecond
	}

	return cfg, cfg.Validate()
}
