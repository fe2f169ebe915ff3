package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rustyeddy/tradeloop/broker"
	"github.com/rustyeddy/tradeloop/broker/sim"
	"github.com/rustyeddy/tradeloop/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(n int) broker.RetryPolicy {
	return broker.RetryPolicy{Attempts: n, Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
}

func TestRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		errs    []error
		calls   int
		wantErr error
	}{
		{"first try", nil, 1, nil},
		{"recovers", []error{broker.ErrRateLimited, broker.ErrNetwork}, 3, nil},
		{"exhausted", []error{broker.ErrTimeout, broker.ErrTimeout, broker.ErrTimeout}, 3, broker.ErrUnavailable},
		{"not transient", []error{broker.ErrOrderNotFound}, 1, broker.ErrOrderNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			v, err := broker.Retry(context.Background(), fastRetry(3), func(context.Context) (int, error) {
				calls++
				if calls <= len(tt.errs) {
					return 0, tt.errs[calls-1]
				}
				return 42, nil
			})
			assert.Equal(t, tt.calls, calls)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 42, v)
		})
	}
}

func TestRetryExhaustionKeepsCause(t *testing.T) {
	t.Parallel()

	_, err := broker.Retry(context.Background(), fastRetry(2), func(context.Context) (int, error) {
		return 0, broker.ErrNetwork
	})
	require.ErrorIs(t, err, broker.ErrUnavailable)
	require.ErrorIs(t, err, broker.ErrNetwork)
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	rej := broker.Rejected("LOT_SIZE")
	assert.True(t, errors.Is(rej, broker.ErrRejected))
	assert.Equal(t, "LOT_SIZE", broker.RejectReason(rej))
	assert.False(t, broker.IsUnknownOutcome(rej))

	op := &broker.OpError{Symbol: "BTCUSDT", Op: "place", Err: broker.ErrTimeout}
	assert.True(t, broker.IsUnknownOutcome(op))
	assert.Contains(t, op.Error(), "BTCUSDT")
	assert.True(t, broker.IsUnknownOutcome(context.DeadlineExceeded))
}

type slowExchange struct {
	broker.Exchange
	delay time.Duration
}

func (s slowExchange) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	select {
	case <-time.After(s.delay):
		return broker.OrderAck{}, nil
	case <-ctx.Done():
		return broker.OrderAck{}, ctx.Err()
	}
}

func TestGuardMapsDeadlineToTimeout(t *testing.T) {
	t.Parallel()

	g := broker.NewGuard(slowExchange{delay: time.Second}, 10*time.Millisecond, fastRetry(1))
	_, err := g.PlaceOrder(context.Background(), broker.OrderRequest{Symbol: "BTCUSDT"})
	require.ErrorIs(t, err, broker.ErrTimeout)
	assert.True(t, broker.IsUnknownOutcome(err))
}

func TestGuardRetriesReadsNotWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ex := sim.New("USDT", 1000)
	ex.SetPrice("BTCUSDT", 50, time.Now())
	g := broker.NewGuard(ex, time.Second, fastRetry(3))

	ex.Fail(sim.OpPrice, sim.Fault{Err: broker.ErrNetwork})
	ex.Fail(sim.OpPrice, sim.Fault{Err: broker.ErrRateLimited})
	p, err := g.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50.0, p)

	ex.Fail(sim.OpPlace, sim.Fault{Err: broker.ErrNetwork})
	_, err = g.PlaceOrder(ctx, broker.OrderRequest{Symbol: "BTCUSDT", ClientID: "x", Side: ledger.Buy, Type: ledger.Market, Quantity: 1})
	require.ErrorIs(t, err, broker.ErrNetwork)
	_, err = ex.GetOrder(ctx, "BTCUSDT", "x")
	require.ErrorIs(t, err, broker.ErrOrderNotFound)
}
