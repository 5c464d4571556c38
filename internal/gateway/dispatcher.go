package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Error kinds recorded on failed outcomes. Transport failures are kept
// distinct from application-level errors the gateway reports in-band.
const (
	ErrKindTransportTimeout = "transport-timeout"
	ErrKindDisconnected     = "disconnected"
	ErrKindRPC              = "rpc"
)

// Caller is the RPC surface the dispatcher runs on. *Client satisfies it;
// tests substitute fakes.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Outcome is the cached result shape of one dispatched call.
type Outcome struct {
	OK       bool
	Payload  json.RawMessage
	Err      string
	ErrKind  string
	CacheHit bool
}

// IsTransportTimeout reports whether the call failed because the RPC itself
// did not return in time, as opposed to the gateway reporting an
// application-level timeout status in its payload.
func (o Outcome) IsTransportTimeout() bool {
	return !o.OK && o.ErrKind == ErrKindTransportTimeout
}

// Dispatcher executes gateway RPCs with idempotent replay for side-effecting
// calls and an outbound rate budget. One dispatcher fronts one gateway
// connection.
type Dispatcher struct {
	caller  Caller
	dedupe  *DedupeCache
	limiter *rate.Limiter
	timeout time.Duration
	tracer  trace.Tracer
}

// DispatcherOpts configure NewDispatcher. Zero values pick defaults.
type DispatcherOpts struct {
	DedupeTTL      time.Duration
	DedupeMaxSize  int
	RateLimitRPM   int
	DefaultTimeout time.Duration
}

// NewDispatcher wraps a caller with dedupe and rate limiting.
func NewDispatcher(caller Caller, opts DispatcherOpts) *Dispatcher {
	rpm := opts.RateLimitRPM
	if rpm <= 0 {
		rpm = 60
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		caller:  caller,
		dedupe:  NewDedupeCache(opts.DedupeTTL, opts.DedupeMaxSize),
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		timeout: timeout,
		tracer:  otel.Tracer("agentrelay/gateway"),
	}
}

// Invoke performs one RPC. When idemKey is non-empty the dedupe cache is
// consulted first; a hit returns the stored {ok, payload, error} verbatim,
// flagged CacheHit, without re-invoking the effect. A miss executes the call
// and stores its outcome, success or failure, under the key, so the first
// completed attempt stays authoritative for later retries.
//
// Invoke reports failure inside the Outcome; the error return is reserved
// for context cancellation before the call was attempted.
func (d *Dispatcher) Invoke(ctx context.Context, method string, params any, idemKey string) (Outcome, error) {
	ctx, span := d.tracer.Start(ctx, "gateway.invoke",
		trace.WithAttributes(attribute.String("rpc.method", method)))
	defer span.End()

	if idemKey != "" {
		if out, ok := d.dedupe.Get(idemKey); ok {
			out.CacheHit = true
			span.SetAttributes(attribute.Bool("rpc.dedupe_hit", true))
			slog.Debug("dispatch: dedupe hit", "method", method, "key", idemKey)
			return out, nil
		}
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return Outcome{}, err
	}

	callCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	payload, err := d.caller.Call(callCtx, method, params)
	out := Outcome{OK: err == nil, Payload: payload}
	if err != nil {
		out.Err = err.Error()
		out.ErrKind = classify(err)
	}
	if idemKey != "" {
		d.dedupe.Put(idemKey, out)
	}
	return out, nil
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrTransportTimeout):
		return ErrKindTransportTimeout
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrNotConnected):
		return ErrKindDisconnected
	default:
		return ErrKindRPC
	}
}
