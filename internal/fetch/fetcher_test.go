package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	f, err := New("", nil)
	require.NoError(t, err)
	f.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func testPolicy(baseURL string) Policy {
	return Policy{
		Venue:         "testvenue",
		Endpoint:      "klines",
		BaseURL:       baseURL,
		PageLimit:     3,
		Timeout:       2 * time.Second,
		Max429Retries: 3,
		BaseBackoff:   time.Millisecond,
		SymbolBudget:  5 * time.Second,
		RPS:           1000,
		Burst:         1000,
	}
}

func TestGetRetriesThrottleThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	body, err := f.Get(context.Background(), testPolicy(srv.URL), Direct, "/x", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))

	snap := f.StatsFor("testvenue").Snapshot()
	assert.EqualValues(t, 3, snap.Requests[Direct])
	assert.EqualValues(t, 2, snap.Throttled[Direct])
}

func TestGetThrottleRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Get(context.Background(), testPolicy(srv.URL), Proxy, "/x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, OutcomeThrottled, ClassifyErr(err))

	snap := f.StatsFor("testvenue").Snapshot()
	// Initial request plus Max429Retries.
	assert.EqualValues(t, 4, snap.Requests[Proxy])
}

func TestGetTransientRetriesWithinBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Get(context.Background(), testPolicy(srv.URL), Direct, "/x", nil, nil)
	require.NoError(t, err)

	snap := f.StatsFor("testvenue").Snapshot()
	assert.EqualValues(t, 1, snap.Transient[Direct])
	// Transient failures also bump the throttle counter for
	// observability parity.
	assert.EqualValues(t, 1, snap.Throttled[Direct])
}

func TestGetTerminalAbandonsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Get(context.Background(), testPolicy(srv.URL), Direct, "/x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, OutcomeTerminal, ClassifyErr(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("Api-Key"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	hdr := http.Header{"Api-Key": []string{"secret"}}
	_, err := f.Get(context.Background(), testPolicy(srv.URL), Direct, "/x", nil, hdr)
	require.NoError(t, err)
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, OutcomeOK, classifyStatus(200))
	assert.Equal(t, OutcomeThrottled, classifyStatus(429))
	assert.Equal(t, OutcomeTransient, classifyStatus(418))
	assert.Equal(t, OutcomeTransient, classifyStatus(500))
	assert.Equal(t, OutcomeTransient, classifyStatus(503))
	assert.Equal(t, OutcomeTerminal, classifyStatus(400))
	assert.Equal(t, OutcomeTerminal, classifyStatus(404))
}

type pageRec struct {
	TS int64 `json:"ts"`
}

// pagedServer serves descending rows from data, honoring an "after"
// cursor and a page limit of 3.
func pagedServer(t *testing.T, data []int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		after, err := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		require.NoError(t, err)
		var page []pageRec
		for _, ts := range data {
			if ts < after && len(page) < 3 {
				page = append(page, pageRec{TS: ts})
			}
		}
		require.NoError(t, json.NewEncoder(w).Encode(page))
	}))
}

func pagedRequest(windowStart int64) PageRequest {
	return PageRequest{
		Path: "/hist",
		Query: func(after int64) url.Values {
			return url.Values{"after": []string{fmt.Sprint(after)}}
		},
		Parse: func(body []byte) ([]PageRow, error) {
			var recs []pageRec
			if err := json.Unmarshal(body, &recs); err != nil {
				return nil, err
			}
			rows := make([]PageRow, 0, len(recs))
			for _, r := range recs {
				raw, _ := json.Marshal(r)
				rows = append(rows, PageRow{TS: r.TS, Rec: raw})
			}
			return rows, nil
		},
		WindowStart: windowStart,
	}
}

func TestPageBackwardWalksToWindowStart(t *testing.T) {
	base := time.Now().UnixMilli() - 10*60_000
	var data []int64
	for i := 9; i >= 0; i-- { // descending, newest first
		data = append(data, base+int64(i)*60_000)
	}

	srv := pagedServer(t, data)
	defer srv.Close()

	f := newTestFetcher(t)
	rows, err := f.PageBackward(context.Background(), testPolicy(srv.URL), Direct, pagedRequest(base+3*60_000))
	require.NoError(t, err)

	// Rows below the window start are excluded, the rest are ascending.
	require.Len(t, rows, 7)
	for i := 1; i < len(rows); i++ {
		assert.Greater(t, rows[i].TS, rows[i-1].TS)
	}
	assert.Equal(t, base+3*60_000, rows[0].TS)
}

func TestPageBackwardStopsOnShortPage(t *testing.T) {
	base := time.Now().UnixMilli() - 5*60_000
	data := []int64{base + 2*60_000, base + 60_000} // one short page

	srv := pagedServer(t, data)
	defer srv.Close()

	f := newTestFetcher(t)
	rows, err := f.PageBackward(context.Background(), testPolicy(srv.URL), Direct, pagedRequest(base-60*60_000))
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// One request was enough.
	snap := f.StatsFor("testvenue").Snapshot()
	assert.EqualValues(t, 1, snap.Requests[Direct])
}

func TestPageBackwardDeduplicates(t *testing.T) {
	base := time.Now().UnixMilli() - 4*60_000
	// The server keeps returning the same full page: the cursor moves
	// but rows repeat, so two no-progress pages end the walk.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		page := []pageRec{{TS: base}, {TS: base + 60_000}, {TS: base + 2*60_000}}
		require.NoError(t, json.NewEncoder(w).Encode(page))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	rows, err := f.PageBackward(context.Background(), testPolicy(srv.URL), Direct, pagedRequest(base-60*60_000))
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestPageBackwardSignalsTruncatedWalk(t *testing.T) {
	base := time.Now().UnixMilli() - 60*60_000
	var calls int32
	// One full page, then the venue throttles until retries run out.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) > 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		page := []pageRec{{TS: base + 9*60_000}, {TS: base + 8*60_000}, {TS: base + 7*60_000}}
		require.NoError(t, json.NewEncoder(w).Encode(page))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	rows, err := f.PageBackward(context.Background(), testPolicy(srv.URL), Direct, pagedRequest(base))

	// The collected rows survive, flagged as an incomplete window.
	require.ErrorIs(t, err, ErrTruncatedWalk)
	assert.Len(t, rows, 3)
}
