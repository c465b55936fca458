package cluster

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"graphgo/client"
	"graphgo/protocol"
)

// Span names and attribute keys of failover runs.
const (
	SpanRunPrimary = "graphgo.cluster.run_primary_replica"
	SpanRunAny     = "graphgo.cluster.run_any_replica"

	AttrDatabase = "graphgo.database"
	AttrReplica  = "graphgo.replica.address"
	AttrAttempts = "graphgo.failover.attempts"
)

// ReplicaFunc does work against one replica, reached through node.
type ReplicaFunc[T any] func(ctx context.Context, replica protocol.Replica, node Node) (T, error)

// RunPrimaryReplica runs fn against the primary replica of database.
//
// When the primary is unreachable or no longer primary, the cached view is
// dropped and fn is retried on the rediscovered primary after
// Options.RetryWait, up to Options.RetryLimit attempts in all. Any other
// error from fn is returned as is.
func RunPrimaryReplica[T any](ctx context.Context, c *Client, database string, fn ReplicaFunc[T]) (T, error) {
	ctx, span := c.tracer.Start(ctx, SpanRunPrimary, trace.WithAttributes(attribute.String(AttrDatabase, database)))
	defer span.End()

	var zero T
	var tried []string
	var lastErr error
	refresh := false
	for attempt := range c.opts.RetryLimit {
		span.SetAttributes(attribute.Int(AttrAttempts, attempt+1))

		p, err := c.primary(ctx, database, refresh)
		if err != nil {
			return zero, fail(span, err)
		}
		span.SetAttributes(attribute.String(AttrReplica, p.Address))

		v, err := runOn(ctx, c, p, fn)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return v, nil
		}
		if !errors.Is(err, client.ErrNotPrimary) && !client.IsConnectionError(err) {
			return zero, fail(span, err)
		}

		c.logger.Info("cluster: primary failed, retrying",
			"database", database, "replica", p.Address, "attempt", attempt+1, "err", err)
		span.AddEvent("failover", trace.WithAttributes(attribute.String(AttrReplica, p.Address)))
		tried = append(tried, p.Address)
		lastErr = err
		c.invalidate(database)
		if client.IsConnectionError(err) {
			c.members.drop(p.Address)
		}
		refresh = true

		if attempt+1 < c.opts.RetryLimit {
			if err := c.wait(ctx); err != nil {
				return zero, fail(span, err)
			}
		}
	}
	return zero, fail(span, &UnavailableError{Database: database, Tried: tried, Err: lastErr})
}

// RunAnyReplica runs fn against the replicas of database, one at a time,
// until one succeeds. Replicas are tried in read preference order; only a
// connection failure moves on to the next one.
func RunAnyReplica[T any](ctx context.Context, c *Client, database string, fn ReplicaFunc[T]) (T, error) {
	ctx, span := c.tracer.Start(ctx, SpanRunAny, trace.WithAttributes(attribute.String(AttrDatabase, database)))
	defer span.End()

	var zero T
	rs, err := c.replicasOf(ctx, database)
	if err != nil {
		return zero, fail(span, err)
	}

	var tried []string
	var lastErr error
	for i, r := range readOrder(c.id, rs) {
		span.SetAttributes(attribute.Int(AttrAttempts, i+1), attribute.String(AttrReplica, r.Address))

		v, err := runOn(ctx, c, r, fn)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return v, nil
		}
		if !client.IsConnectionError(err) {
			return zero, fail(span, err)
		}

		c.logger.Info("cluster: replica unreachable, trying next",
			"database", database, "replica", r.Address, "err", err)
		tried = append(tried, r.Address)
		lastErr = err
		c.members.drop(r.Address)
		if ctx.Err() != nil {
			return zero, fail(span, ctx.Err())
		}
	}

	// The replica set itself may be stale.
	c.invalidate(database)
	return zero, fail(span, &UnavailableError{Database: database, Tried: tried, Err: lastErr})
}

func runOn[T any](ctx context.Context, c *Client, r protocol.Replica, fn ReplicaFunc[T]) (T, error) {
	n, err := c.members.get(ctx, r.Address)
	if err != nil {
		var zero T
		if !client.IsConnectionError(err) {
			err = fmt.Errorf("%w: %w", client.ErrUnableToConnect, err)
		}
		return zero, err
	}
	return fn(ctx, r, n)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
