package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	// Seed from crypto/rand; ulid.Monotonic keeps ids generated within the
	// same millisecond lexicographically increasing.
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a ULID string (time-sortable identifier) used for trades,
// orders and fills so SQLite rows sort in creation order.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID stamped with t. The backtest clock uses it so ids
// follow replayed time instead of wall time.
func NewAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t.UTC()), mono)
	if err != nil {
		// Only when time goes backwards past the monotonic window or entropy fails.
		id = ulid.MustNew(ulid.Timestamp(time.Now().UTC()), cryptoRand.Reader)
	}
	return id.String()
}

// ClientOrderID returns the correlation id sent with every order. The
// exchange echoes it back, which is how the reconciler finds an order whose
// submission timed out.
func ClientOrderID() string {
	// Binance caps client ids at 36 chars; a dashless UUID is 32.
	u := uuid.New()
	out := make([]byte, 0, 32)
	for _, b := range u.String() {
		if b != '-' {
			out = append(out, byte(b))
		}
	}
	return string(out)
}
