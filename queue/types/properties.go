// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

const (
	// Queue option headers. A producer may set them on the first push to an
	// auto-created queue; they never reach consumers or persistence.
	HeaderQueueStatus          = "Queue-Status"
	HeaderQueueTopic           = "Queue-Topic"
	HeaderAcknowledge          = "Acknowledge"
	HeaderAckTimeout           = "Ack-Timeout"
	HeaderMessageTimeout       = "Message-Timeout"
	HeaderMessageLimit         = "Message-Limit"
	HeaderMessageSizeLimit     = "Message-Size-Limit"
	HeaderClientLimit          = "Client-Limit"
	HeaderDelayBetweenMessages = "Delay-Between-Messages"
	HeaderPutBackDelay         = "Put-Back-Delay"
	HeaderAutoDestroy          = "Auto-Destroy"
	HeaderDeliveryHandler      = "Delivery-Handler"
	HeaderUniqueIDCheck        = "Unique-Id-Check"

	// Protocol headers.
	HeaderNegativeAck = "Negative-Ack-Reason"
	HeaderResult      = "Result"
	HeaderCount       = "Count"
	HeaderClientName  = "Client-Name"
	HeaderReason      = "Reason"
)

// IsOperationalHeader returns true for keys that configure the queue itself.
func IsOperationalHeader(key string) bool {
	switch key {
	case HeaderQueueStatus, HeaderQueueTopic, HeaderAcknowledge, HeaderAckTimeout,
		HeaderMessageTimeout, HeaderMessageLimit, HeaderMessageSizeLimit,
		HeaderClientLimit, HeaderDelayBetweenMessages, HeaderPutBackDelay,
		HeaderAutoDestroy, HeaderDeliveryHandler, HeaderUniqueIDCheck:
		return true
	default:
		return false
	}
}

// StripOperationalHeaders removes queue option headers from msg.
func StripOperationalHeaders(msg *Message) {
	for k := range msg.Headers {
		if IsOperationalHeader(k) {
			delete(msg.Headers, k)
		}
	}
}
