package market

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// CSVTicksFeed reads tick CSV rows:
//
//	time,symbol,bid[,ask]
//
// where time is RFC3339 or RFC3339Nano. A missing ask means a last-trade
// price. A header row ("time,...") is allowed and empty or short rows are
// skipped. Ticks outside [From, To) are dropped when either bound is set.
type CSVTicksFeed struct {
	c    io.Closer
	r    *csv.Reader
	from time.Time
	to   time.Time

	sawFirst bool
}

func OpenCSVTicksFeed(path string, from, to time.Time) (*CSVTicksFeed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	feed := NewCSVTicksFeed(f, from, to)
	feed.c = f
	return feed, nil
}

func NewCSVTicksFeed(r io.Reader, from, to time.Time) *CSVTicksFeed {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	return &CSVTicksFeed{r: cr, from: from, to: to}
}

func (f *CSVTicksFeed) Close() error {
	if f.c != nil {
		return f.c.Close()
	}
	return nil
}

func (f *CSVTicksFeed) Next() (Tick, bool, error) {
	for {
		row, err := f.r.Read()
		if err == io.EOF {
			return Tick{}, false, nil
		}
		if err != nil {
			return Tick{}, false, err
		}
		if len(row) == 0 {
			continue
		}

		if !f.sawFirst {
			f.sawFirst = true
			if strings.EqualFold(strings.TrimSpace(row[0]), "time") {
				continue
			}
		}

		p, ok, err := parseTickRow(row)
		if err != nil {
			return Tick{}, false, err
		}
		if !ok || !inRange(p.Time, f.from, f.to) {
			continue
		}
		return p, true, nil
	}
}

func parseTickRow(row []string) (Tick, bool, error) {
	if len(row) < 3 {
		return Tick{}, false, nil
	}

	ts := strings.TrimSpace(row[0])
	if ts == "" {
		return Tick{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Tick{}, false, fmt.Errorf("bad time %q: %w", ts, err)
	}

	sym := strings.TrimSpace(row[1])
	if sym == "" {
		return Tick{}, false, nil
	}

	bid, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
	if err != nil {
		return Tick{}, false, fmt.Errorf("bad bid %q: %w", row[2], err)
	}
	ask := bid
	if len(row) > 3 && strings.TrimSpace(row[3]) != "" {
		ask, err = strconv.ParseFloat(strings.TrimSpace(row[3]), 64)
		if err != nil {
			return Tick{}, false, fmt.Errorf("bad ask %q: %w", row[3], err)
		}
	}

	return Tick{Time: t.UTC(), Symbol: sym, Bid: bid, Ask: ask}, true, nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
