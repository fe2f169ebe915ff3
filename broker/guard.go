package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rustyeddy/tradeloop/internal/logger"
)

// RetryPolicy bounds read retries.
type RetryPolicy struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
	Factor   float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2}
}

// Retry runs fn until it succeeds, fails with a non-transient error, or the
// attempts are used up. Exhaustion is reported as ErrUnavailable.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	b := &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor, Jitter: true}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		zero T
		err  error
	)
	for i := 0; i < attempts; i++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if !IsTransient(err) {
			return zero, err
		}
		if i == attempts-1 {
			break
		}
		wait := b.Duration()
		logger.Debugf("broker retry %d/%d in %s: %v", i+1, attempts, wait, err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Guard wraps an Exchange so every call is bounded by Timeout, reads are
// retried, and deadline errors surface as ErrTimeout. Writes are never
// retried.
type Guard struct {
	ex      Exchange
	timeout time.Duration
	retry   RetryPolicy
}

func NewGuard(ex Exchange, timeout time.Duration, retry RetryPolicy) *Guard {
	return &Guard{ex: ex, timeout: timeout, retry: retry}
}

var _ Exchange = (*Guard)(nil)

func (g *Guard) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Guard) mapErr(ctx, callCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	// Our own deadline, not the caller's cancellation.
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func read[T any](g *Guard, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	return Retry(ctx, g.retry, func(ctx context.Context) (T, error) {
		callCtx, cancel := g.bound(ctx)
		defer cancel()
		v, err := fn(callCtx)
		return v, g.mapErr(ctx, callCtx, err)
	})
}

func (g *Guard) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return read(g, ctx, func(ctx context.Context) (float64, error) { return g.ex.GetPrice(ctx, symbol) })
}

func (g *Guard) GetAccount(ctx context.Context) (Account, error) {
	return read(g, ctx, g.ex.GetAccount)
}

func (g *Guard) GetOpenOrders(ctx context.Context, symbol string) ([]OrderView, error) {
	return read(g, ctx, func(ctx context.Context) ([]OrderView, error) { return g.ex.GetOpenOrders(ctx, symbol) })
}

func (g *Guard) GetOrder(ctx context.Context, symbol, clientID string) (OrderView, error) {
	return read(g, ctx, func(ctx context.Context) (OrderView, error) { return g.ex.GetOrder(ctx, symbol, clientID) })
}

func (g *Guard) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	callCtx, cancel := g.bound(ctx)
	defer cancel()
	ack, err := g.ex.PlaceOrder(callCtx, req)
	return ack, g.mapErr(ctx, callCtx, err)
}

func (g *Guard) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	callCtx, cancel := g.bound(ctx)
	defer cancel()
	return g.mapErr(ctx, callCtx, g.ex.CancelOrder(callCtx, symbol, exchangeID))
}
