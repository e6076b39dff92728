// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

// PushResult is the deterministic outcome of a producer push.
type PushResult uint8

const (
	PushSuccess PushResult = iota
	PushEmpty
	PushNoConsumers
	PushLimitExceeded
	PushStatusNotSupported
	PushError
	PushDuplicateUniqueID
)

func (r PushResult) String() string {
	switch r {
	case PushSuccess:
		return "success"
	case PushEmpty:
		return "empty"
	case PushNoConsumers:
		return "no-consumers"
	case PushLimitExceeded:
		return "limit-exceeded"
	case PushStatusNotSupported:
		return "status-not-supported"
	case PushError:
		return "error"
	case PushDuplicateUniqueID:
		return "duplicate-unique-id"
	default:
		return "unknown"
	}
}

// ParsePushResult converts a result header back into a PushResult.
func ParsePushResult(s string) (PushResult, bool) {
	for r := PushSuccess; r <= PushDuplicateUniqueID; r++ {
		if r.String() == s {
			return r, true
		}
	}
	return PushError, false
}

// SubscriptionResult is the outcome of a consumer subscription.
type SubscriptionResult uint8

const (
	SubscriptionSuccess SubscriptionResult = iota
	SubscriptionUnauthorized
	SubscriptionFull
)

func (r SubscriptionResult) String() string {
	switch r {
	case SubscriptionSuccess:
		return "success"
	case SubscriptionUnauthorized:
		return "unauthorized"
	case SubscriptionFull:
		return "full"
	default:
		return "unknown"
	}
}

// Generic response codes for administrative requests.
const (
	ResultOK       = "ok"
	ResultNotFound = "not-found"
	ResultExists   = "exists"
	ResultDenied   = "denied"
	ResultFailed   = "failed"
	ResultBadInput = "bad-request"
)
