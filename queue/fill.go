// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/absmach/fluxqueue/queue/types"
)

// FillResult reports the outcome of a bulk fill.
type FillResult struct {
	Added  int
	Result types.PushResult
}

// FillJSON serializes items to JSON and enqueues them. Producer decisions
// are skipped; limits still apply.
func (q *Queue) FillJSON(ctx context.Context, items []any, highPriority bool) (FillResult, error) {
	msgs := make([]*types.Message, 0, len(items))
	for i, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			return FillResult{Result: types.PushError}, fmt.Errorf("item %d: %w", i, err)
		}
		msgs = append(msgs, &types.Message{Payload: payload, HighPriority: highPriority})
	}
	return q.FillMessages(ctx, msgs)
}

// FillStrings enqueues one message per string.
func (q *Queue) FillStrings(ctx context.Context, items []string, highPriority bool) (FillResult, error) {
	msgs := make([]*types.Message, 0, len(items))
	for _, item := range items {
		msgs = append(msgs, &types.Message{Payload: []byte(item), HighPriority: highPriority})
	}
	return q.FillMessages(ctx, msgs)
}

// FillBytes enqueues one message per payload.
func (q *Queue) FillBytes(ctx context.Context, items [][]byte, highPriority bool) (FillResult, error) {
	msgs := make([]*types.Message, 0, len(items))
	for _, item := range items {
		msgs = append(msgs, &types.Message{Payload: item, HighPriority: highPriority})
	}
	return q.FillMessages(ctx, msgs)
}

// FillMessages enqueues prepared messages. It stops at the first limit.
func (q *Queue) FillMessages(ctx context.Context, msgs []*types.Message) (FillResult, error) {
	return q.fill(ctx, msgs, false)
}

// RestoreMessages enqueues messages reloaded from persistence. They keep
// their IDs, are marked saved and bypass the message limit.
func (q *Queue) RestoreMessages(ctx context.Context, msgs []*types.Message) (FillResult, error) {
	return q.fill(ctx, msgs, true)
}

func (q *Queue) fill(ctx context.Context, msgs []*types.Message, restore bool) (FillResult, error) {
	if q.destroyed.Load() {
		return FillResult{Result: types.PushError}, ErrQueueDestroyed
	}
	if err := q.Initialize(ctx); err != nil {
		return FillResult{Result: types.PushError}, err
	}

	res := FillResult{Result: types.PushSuccess}
	for _, msg := range msgs {
		if !q.State().CanEnqueue(nil) {
			res.Result = types.PushStatusNotSupported
			break
		}

		cfg := q.Config()
		if !restore {
			if cfg.MessageSizeLimit > 0 && int64(len(msg.Payload)) > cfg.MessageSizeLimit {
				res.Result = types.PushLimitExceeded
				break
			}
			if cfg.MessageLimit > 0 && q.Len() >= cfg.MessageLimit {
				res.Result = types.PushLimitExceeded
				break
			}
		}

		qm := q.prepare(msg, nil, cfg)
		if restore {
			qm.MarkSaved()
		}
		if q.enqueue(qm, false) {
			res.Added++
			q.stats.received.Add(1)
		}
	}

	if res.Added > 0 {
		q.triggerAsync()
	}
	return res, nil
}
