// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/absmach/fluxqueue/queue"
	"github.com/absmach/fluxqueue/queue/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func (b *Broker) dispatch(ctx context.Context, s *Session, msg *types.Message) {
	if name := msg.Header(types.HeaderClientName); name != "" {
		s.setName(name)
	}

	switch msg.Type {
	case types.TypeQueueMessage:
		b.handlePush(ctx, s, msg)
	case types.TypeAck:
		b.handleAck(ctx, s, msg)
	case types.TypeSubscribe:
		b.handleSubscribe(ctx, s, msg)
	case types.TypeUnsubscribe:
		b.handleUnsubscribe(ctx, s, msg)
	case types.TypePull:
		b.handlePull(ctx, s, msg)
	case types.TypeCreateQueue:
		b.handleCreateQueue(ctx, s, msg)
	case types.TypeRemoveQueue:
		b.handleRemoveQueue(ctx, s, msg)
	case types.TypeSetStatus:
		b.handleSetStatus(ctx, s, msg)
	case types.TypePing:
		pong := &types.Message{Type: types.TypePong, ID: msg.ID}
		pong.SetHeader(types.HeaderClientName, s.ID())
		b.reply(ctx, s, pong)
	case types.TypePong, types.TypeResponse:
	default:
		b.logger.Debug("unsupported frame",
			slog.String("session", s.ID()),
			slog.String("type", msg.Type.String()))
	}
}

// handlePush answers only failed pushes. The acknowledgment of an accepted
// message comes from the queue once its fate is decided.
func (b *Broker) handlePush(ctx context.Context, s *Session, msg *types.Message) {
	ctx, span := b.tracer.Start(ctx, "queue.push",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("queue", msg.Target),
			attribute.String("message_id", msg.ID),
			attribute.Int("payload_size", len(msg.Payload)),
		))
	defer span.End()

	if msg.Target == "" {
		span.SetStatus(codes.Error, "missing queue name")
		b.respond(ctx, s, msg, types.PushError.String(), errors.New("missing queue name"))
		return
	}

	res, err := b.queues.Push(ctx, msg, s)
	span.SetAttributes(attribute.String("result", res.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Debug("push failed",
			slog.String("session", s.ID()),
			slog.String("queue", msg.Target),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
	}

	if res != types.PushSuccess && msg.WaitResponse {
		b.respond(ctx, s, msg, res.String(), err)
	}
}

func (b *Broker) handleAck(ctx context.Context, s *Session, msg *types.Message) {
	if err := b.queues.Acknowledge(ctx, s, msg); err != nil {
		b.logger.Debug("ack rejected",
			slog.String("session", s.ID()),
			slog.String("queue", msg.Target),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
	}
}

func (b *Broker) handleSubscribe(ctx context.Context, s *Session, msg *types.Message) {
	res, err := b.queues.Subscribe(ctx, msg.Target, s)
	if err != nil {
		b.respond(ctx, s, msg, resultFor(err), err)
		return
	}
	if res == types.SubscriptionSuccess {
		s.addSubscription(msg.Target)
	}
	b.respond(ctx, s, msg, res.String(), nil)
}

func (b *Broker) handleUnsubscribe(ctx context.Context, s *Session, msg *types.Message) {
	err := b.queues.Unsubscribe(ctx, msg.Target, s)
	s.removeSubscription(msg.Target)
	b.respond(ctx, s, msg, resultFor(err), err)
}

// handlePull answers after the pulled messages so the client sees them
// before the count.
func (b *Broker) handlePull(ctx context.Context, s *Session, msg *types.Message) {
	count := 1
	if v := msg.Header(types.HeaderCount); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			b.respond(ctx, s, msg, types.ResultBadInput, errors.New("invalid count"))
			return
		}
		count = n
	}

	res, err := b.queues.Pull(ctx, msg.Target, s, queue.PullRequest{Count: count})
	resp := types.NewResponse(msg, res.Result.String())
	if err != nil {
		resp.SetHeader(types.HeaderResult, resultFor(err))
		resp.SetHeader(types.HeaderReason, err.Error())
	}
	resp.SetHeader(types.HeaderCount, strconv.Itoa(res.Delivered))
	if err := s.sendOrdered(ctx, resp); err != nil {
		b.logSendError(s, err)
	}
}

func (b *Broker) handleCreateQueue(ctx context.Context, s *Session, msg *types.Message) {
	cfg := b.queues.Defaults(msg.Target)
	if err := cfg.ApplyHeaders(msg.Headers); err != nil {
		b.respond(ctx, s, msg, types.ResultBadInput, err)
		return
	}
	_, err := b.queues.CreateQueue(ctx, cfg)
	b.respond(ctx, s, msg, resultFor(err), err)
}

func (b *Broker) handleRemoveQueue(ctx context.Context, s *Session, msg *types.Message) {
	err := b.queues.RemoveQueue(ctx, msg.Target)
	b.respond(ctx, s, msg, resultFor(err), err)
}

func (b *Broker) handleSetStatus(ctx context.Context, s *Session, msg *types.Message) {
	status, err := types.ParseStatus(msg.Header(types.HeaderQueueStatus))
	if err != nil {
		b.respond(ctx, s, msg, types.ResultBadInput, err)
		return
	}
	err = b.queues.SetStatus(ctx, msg.Target, status)
	b.respond(ctx, s, msg, resultFor(err), err)
}

// respond sends a response carrying result and, for failures, the reason.
func (b *Broker) respond(ctx context.Context, s *Session, req *types.Message, result string, cause error) {
	resp := types.NewResponse(req, result)
	if cause != nil {
		resp.SetHeader(types.HeaderReason, cause.Error())
	}
	b.reply(ctx, s, resp)
}

func (b *Broker) reply(ctx context.Context, s *Session, msg *types.Message) {
	if err := s.Send(ctx, msg); err != nil {
		b.logSendError(s, err)
	}
}

func (b *Broker) logSendError(s *Session, err error) {
	b.logger.Debug("failed to send response",
		slog.String("session", s.ID()),
		slog.String("error", err.Error()))
}

// resultFor maps queue errors to response result codes.
func resultFor(err error) string {
	switch {
	case err == nil:
		return types.ResultOK
	case errors.Is(err, queue.ErrQueueNotFound), errors.Is(err, queue.ErrNotSubscribed):
		return types.ResultNotFound
	case errors.Is(err, queue.ErrQueueAlreadyExists):
		return types.ResultExists
	case errors.Is(err, queue.ErrTransitionDenied), errors.Is(err, queue.ErrUnauthorized):
		return types.ResultDenied
	case errors.Is(err, queue.ErrInvalidQueueName),
		errors.Is(err, types.ErrInvalidConfig),
		errors.Is(err, queue.ErrUnknownDeliveryHandler),
		errors.Is(err, queue.ErrNoDeliveryHandler):
		return types.ResultBadInput
	default:
		return types.ResultFailed
	}
}
