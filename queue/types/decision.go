// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

// PutBack tells the engine whether and where to re-insert a message.
type PutBack uint8

const (
	PutBackNo PutBack = iota
	PutBackEnd
	PutBackStart
)

func (p PutBack) String() string {
	switch p {
	case PutBackNo:
		return "no"
	case PutBackEnd:
		return "end"
	case PutBackStart:
		return "start"
	default:
		return "unknown"
	}
}

// AckDecision tells the engine whether an acknowledgment is owed to the producer.
type AckDecision uint8

// Ordered from least to most permissive.
const (
	AckDecisionNone AckDecision = iota
	AckDecisionIfSaved
	AckDecisionNegative
	AckDecisionAlways
)

func (a AckDecision) String() string {
	switch a {
	case AckDecisionNone:
		return "none"
	case AckDecisionIfSaved:
		return "if-saved"
	case AckDecisionNegative:
		return "negative"
	case AckDecisionAlways:
		return "always"
	default:
		return "unknown"
	}
}

// Decision describes what the engine must do after a lifecycle event.
type Decision struct {
	Allow       bool
	SaveMessage bool
	PutBack     PutBack
	Acknowledge AckDecision
}

// Allow returns a decision that lets the message proceed.
func Allow() Decision {
	return Decision{Allow: true}
}

// Deny returns a decision that stops the message without put-back.
func Deny() Decision {
	return Decision{}
}

// PutBackDecision returns a decision that re-inserts the message.
func PutBackDecision(where PutBack) Decision {
	return Decision{PutBack: where}
}

// WithAck returns d with the acknowledge policy set.
func (d Decision) WithAck(a AckDecision) Decision {
	d.Acknowledge = a
	return d
}

// WithSave returns d requesting persistence.
func (d Decision) WithSave() Decision {
	d.SaveMessage = true
	return d
}

// CreateFinalDecision merges votes; the most permissive value of every field wins.
// PutBackStart outranks PutBackEnd because it keeps the message closest to delivery.
func CreateFinalDecision(decisions ...Decision) Decision {
	var final Decision
	for _, d := range decisions {
		if d.Allow {
			final.Allow = true
		}
		if d.SaveMessage {
			final.SaveMessage = true
		}
		if d.PutBack > final.PutBack {
			final.PutBack = d.PutBack
		}
		if d.Acknowledge > final.Acknowledge {
			final.Acknowledge = d.Acknowledge
		}
	}
	return final
}
