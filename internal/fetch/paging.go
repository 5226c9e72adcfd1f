package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"
)

// ErrTruncatedWalk marks a page walk that failed partway. The rows
// returned alongside it are valid; the window just was not fully
// covered.
var ErrTruncatedWalk = errors.New("page walk truncated")

// PageRow is one record out of a paged endpoint: its timestamp for
// dedup and paging plus the raw record for the feed to decode.
type PageRow struct {
	TS  int64
	Rec json.RawMessage
}

// PageRequest describes a backward time-paged endpoint (OKX style:
// "after" cursors walking from now into the past).
type PageRequest struct {
	Path string
	// Query builds the page's query parameters from the current cursor.
	Query func(after int64) url.Values
	// Parse extracts timestamped rows from a response body.
	Parse func(body []byte) ([]PageRow, error)
	// WindowStart is the inclusive lower bound in epoch milliseconds.
	WindowStart int64
	Header      http.Header
}

// PageBackward walks the endpoint from now toward WindowStart and
// returns the deduplicated rows in ascending timestamp order. Paging
// stops when the window start is reached, two consecutive pages yield
// nothing new, a page comes back short, or a terminal error occurs. A
// non-terminal failure partway through returns the rows collected so
// far together with an error wrapping ErrTruncatedWalk.
func (f *Fetcher) PageBackward(ctx context.Context, p Policy, kind ConnKind, req PageRequest) ([]PageRow, error) {
	p = p.withDefaults()

	after := time.Now().UnixMilli() + 1
	seen := make(map[int64]struct{})
	var rows []PageRow
	var walkErr error
	emptyPages := 0

	for {
		body, err := f.Get(ctx, p, kind, req.Path, req.Query(after), req.Header)
		if err != nil {
			if len(rows) > 0 && ClassifyErr(err) != OutcomeTerminal {
				walkErr = fmt.Errorf("%w after %d rows: %w", ErrTruncatedWalk, len(rows), err)
				break
			}
			return nil, err
		}

		page, err := req.Parse(body)
		if err != nil {
			return nil, err
		}

		fresh := 0
		minTS := int64(0)
		for _, r := range page {
			if minTS == 0 || r.TS < minTS {
				minTS = r.TS
			}
			if _, dup := seen[r.TS]; dup {
				continue
			}
			seen[r.TS] = struct{}{}
			if r.TS >= req.WindowStart {
				rows = append(rows, r)
			}
			fresh++
		}

		if fresh == 0 {
			emptyPages++
			if emptyPages >= 2 {
				break
			}
		} else {
			emptyPages = 0
		}

		if minTS != 0 && minTS <= req.WindowStart {
			break
		}
		if len(page) < p.PageLimit {
			break
		}
		if minTS != 0 {
			after = minTS - 1
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].TS < rows[j].TS })
	return rows, walkErr
}
