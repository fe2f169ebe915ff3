// Package signal defines the signal source contract of the trading loop and
// the enumerated strategies that implement it.
package signal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rustyeddy/tradeloop/ledger"
)

var (
	ErrUnknownKind  = errors.New("signal: unknown strategy kind")
	ErrInvalidPrice = errors.New("signal: price must be positive")
)

// Action is what a signal asks the orchestrator to do.
type Action string

const (
	Hold  Action = "hold"
	Long  Action = "long"
	Short Action = "short"
	Exit  Action = "exit"
)

// Side maps an entry action to a position side.
func (a Action) Side() (ledger.Side, bool) {
	switch a {
	case Long:
		return ledger.Long, true
	case Short:
		return ledger.Short, true
	}
	return "", false
}

// Signal is one decision for one symbol. SuggestedStop and SuggestedTarget
// are optional (0 when absent) and ATR is the strategy's current volatility
// estimate, 0 before warmup.
type Signal struct {
	Action          Action
	Confidence      float64
	SuggestedStop   float64
	SuggestedTarget float64
	ATR             float64
	Reason          string
}

// Context is what the orchestrator knows about a symbol when it asks.
type Context struct {
	Time  time.Time
	Price float64
	// Position is the side of the trade held on the symbol, empty when flat.
	Position ledger.Side
}

// Source produces signals. Implementations must be safe for concurrent use
// across symbols.
type Source interface {
	Signal(ctx context.Context, symbol string, c Context) (Signal, error)
}

// Func adapts a function to Source.
type Func func(ctx context.Context, symbol string, c Context) (Signal, error)

func (f Func) Signal(ctx context.Context, symbol string, c Context) (Signal, error) {
	return f(ctx, symbol, c)
}

// Script replays queued signals per symbol and holds once a queue is empty.
type Script struct {
	mu    sync.Mutex
	queue map[string][]Signal
	calls map[string]int
}

func NewScript() *Script {
	return &Script{queue: make(map[string][]Signal), calls: make(map[string]int)}
}

// Push appends signals to a symbol's queue.
func (s *Script) Push(symbol string, sigs ...Signal) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue[symbol] = append(s.queue[symbol], sigs...)
	return s
}

// Calls is how many times a symbol was asked.
func (s *Script) Calls(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[symbol]
}

func (s *Script) Signal(ctx context.Context, symbol string, c Context) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[symbol]++
	q := s.queue[symbol]
	if len(q) == 0 {
		return Signal{Action: Hold}, nil
	}
	s.queue[symbol] = q[1:]
	return q[0], nil
}

// Kind enumerates the built-in strategies.
type Kind string

const (
	MeanReversion  Kind = "mean_reversion"
	Breakout       Kind = "breakout"
	TrendFollowing Kind = "trend_following"
	Ensemble       Kind = "ensemble"
)

var Kinds = []Kind{MeanReversion, Breakout, TrendFollowing, Ensemble}

// ParseKind accepts the kind names with either '_' or '-' separators.
// "ema_cross" is kept as an alias of trend_following.
func ParseKind(s string) (Kind, error) {
	k := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	switch k {
	case "ema_cross", "emacross":
		return TrendFollowing, nil
	}
	for _, known := range Kinds {
		if Kind(k) == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w %q (supported: %s)", ErrUnknownKind, s, joinKinds())
}

func joinKinds() string {
	names := make([]string, len(Kinds))
	for i, k := range Kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

// Config holds the parameters of every strategy kind. Zero fields take the
// defaults of DefaultConfig.
type Config struct {
	FastPeriod   int `yaml:"fast_period" json:"fast_period"`
	SlowPeriod   int `yaml:"slow_period" json:"slow_period"`
	TrendPeriod  int `yaml:"trend_period" json:"trend_period"`
	SignalPeriod int `yaml:"signal_period" json:"signal_period"`

	BandPeriod    int     `yaml:"band_period" json:"band_period"`
	BandWidth     float64 `yaml:"band_width" json:"band_width"`
	RSIPeriod     int     `yaml:"rsi_period" json:"rsi_period"`
	RSIOversold   float64 `yaml:"rsi_oversold" json:"rsi_oversold"`
	RSIOverbought float64 `yaml:"rsi_overbought" json:"rsi_overbought"`

	Lookback  int `yaml:"lookback" json:"lookback"`
	ATRPeriod int `yaml:"atr_period" json:"atr_period"`

	// Ensemble voting.
	Weights   map[Kind]float64 `yaml:"weights,omitempty" json:"weights,omitempty"`
	Threshold float64          `yaml:"threshold" json:"threshold"`
}

func DefaultConfig() Config {
	return Config{
		FastPeriod:    12,
		SlowPeriod:    26,
		TrendPeriod:   200,
		SignalPeriod:  9,
		BandPeriod:    20,
		BandWidth:     2,
		RSIPeriod:     14,
		RSIOversold:   30,
		RSIOverbought: 70,
		Lookback:      20,
		ATRPeriod:     14,
		Weights: map[Kind]float64{
			MeanReversion:  0.3,
			Breakout:       0.3,
			TrendFollowing: 0.4,
		},
		Threshold: 0.3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setFloat := func(v *float64, def float64) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&c.FastPeriod, d.FastPeriod)
	setInt(&c.SlowPeriod, d.SlowPeriod)
	setInt(&c.TrendPeriod, d.TrendPeriod)
	setInt(&c.SignalPeriod, d.SignalPeriod)
	setInt(&c.BandPeriod, d.BandPeriod)
	setFloat(&c.BandWidth, d.BandWidth)
	setInt(&c.RSIPeriod, d.RSIPeriod)
	setFloat(&c.RSIOversold, d.RSIOversold)
	setFloat(&c.RSIOverbought, d.RSIOverbought)
	setInt(&c.Lookback, d.Lookback)
	setInt(&c.ATRPeriod, d.ATRPeriod)
	setFloat(&c.Threshold, d.Threshold)
	if len(c.Weights) == 0 {
		c.Weights = d.Weights
	}
	return c
}

// Validate reports parameter combinations no strategy can run with.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.FastPeriod >= c.SlowPeriod {
		return fmt.Errorf("signal: fast_period (%d) must be below slow_period (%d)", c.FastPeriod, c.SlowPeriod)
	}
	if c.RSIOversold >= c.RSIOverbought || c.RSIOverbought > 100 {
		return fmt.Errorf("signal: rsi bounds %v/%v out of order", c.RSIOversold, c.RSIOverbought)
	}
	if c.Threshold > 1 {
		return fmt.Errorf("signal: threshold must be in (0,1], got %v", c.Threshold)
	}
	total := 0.0
	for k, w := range c.Weights {
		if k == Ensemble {
			return fmt.Errorf("signal: ensemble cannot weigh itself")
		}
		if _, err := ParseKind(string(k)); err != nil {
			return err
		}
		if w < 0 {
			return fmt.Errorf("signal: negative weight for %s", k)
		}
		total += w
	}
	if total == 0 {
		return fmt.Errorf("signal: ensemble weights sum to zero")
	}
	return nil
}

// New builds the strategy of the given kind.
func New(kind Kind, cfg Config) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	var mk func() detector
	switch kind {
	case MeanReversion:
		mk = func() detector { return newMeanReversion(cfg) }
	case Breakout:
		mk = func() detector { return newBreakout(cfg) }
	case TrendFollowing:
		mk = func() detector { return newTrendFollowing(cfg) }
	case Ensemble:
		mk = func() detector { return newEnsemble(cfg) }
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	return &strategy{kind: kind, cfg: cfg, mk: mk, series: make(map[string]*series)}, nil
}
