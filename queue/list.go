// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"container/list"
	"sync"

	"github.com/absmach/fluxqueue/queue/types"
)

// messageList is a FIFO of queued messages with its own lock. A message is
// in at most one list; the in-queue flag is flipped under the list lock.
type messageList struct {
	mu sync.Mutex
	l  *list.List
}

func newMessageList() *messageList {
	return &messageList{l: list.New()}
}

func (ml *messageList) pushBack(qm *types.QueueMessage) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if !qm.SetInQueue(true) {
		return false
	}
	ml.l.PushBack(qm)
	return true
}

func (ml *messageList) pushFront(qm *types.QueueMessage) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if !qm.SetInQueue(true) {
		return false
	}
	ml.l.PushFront(qm)
	return true
}

func (ml *messageList) popFront() *types.QueueMessage {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	e := ml.l.Front()
	if e == nil {
		return nil
	}
	ml.l.Remove(e)
	qm := e.Value.(*types.QueueMessage)
	qm.SetInQueue(false)
	return qm
}

func (ml *messageList) head() *types.QueueMessage {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if e := ml.l.Front(); e != nil {
		return e.Value.(*types.QueueMessage)
	}
	return nil
}

// removeWhere removes and returns every message matching fn, in order.
func (ml *messageList) removeWhere(fn func(*types.QueueMessage) bool) []*types.QueueMessage {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	var removed []*types.QueueMessage
	for e := ml.l.Front(); e != nil; {
		next := e.Next()
		qm := e.Value.(*types.QueueMessage)
		if fn(qm) {
			ml.l.Remove(e)
			qm.SetInQueue(false)
			removed = append(removed, qm)
		}
		e = next
	}
	return removed
}

func (ml *messageList) contains(id string) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	for e := ml.l.Front(); e != nil; e = e.Next() {
		if e.Value.(*types.QueueMessage).ID() == id {
			return true
		}
	}
	return false
}

func (ml *messageList) snapshot() []*types.QueueMessage {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	out := make([]*types.QueueMessage, 0, ml.l.Len())
	for e := ml.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*types.QueueMessage))
	}
	return out
}

func (ml *messageList) len() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.l.Len()
}

func (ml *messageList) clear() []*types.QueueMessage {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	out := make([]*types.QueueMessage, 0, ml.l.Len())
	for e := ml.l.Front(); e != nil; e = e.Next() {
		qm := e.Value.(*types.QueueMessage)
		qm.SetInQueue(false)
		out = append(out, qm)
	}
	ml.l.Init()
	return out
}
