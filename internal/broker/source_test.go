package broker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/rollchain/internal/models"
)

func TestDecodeOrders_Shapes(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		wantIDs  []string
		wantNext string
	}{
		{"array", `[{"id":"a"},{"id":"b"}]`, []string{"a", "b"}, ""},
		{"single object", `{"id":"a","legs":[]}`, []string{"a"}, ""},
		{"envelope", `{"results":[{"id":"a"}],"next":"/p2"}`, []string{"a"}, "/p2"},
		{"envelope single", `{"results":{"id":"a"}}`, []string{"a"}, ""},
		{"empty", `  `, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raws, next, err := DecodeOrders(strings.NewReader(tt.doc))
			require.NoError(t, err)
			var ids []string
			for _, r := range raws {
				ids = append(ids, r["id"].(string))
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantNext, next)
		})
	}

	_, _, err := DecodeOrders(strings.NewReader(`{not json`))
	assert.Error(t, err)
}

func TestFileSource_FetchOrders(t *testing.T) {
	dir := t.TempDir()
	doc := `[
		{"id":"old","created_at":"2024-01-01T10:00:00Z"},
		{"id":"new","created_at":"2024-02-01T10:00:00Z"},
		{"id":"undated"}
	]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice.json"), []byte(doc), 0o600))
	src := NewFileSource(dir)

	all, err := src.FetchOrders(context.Background(), "alice", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	recent, err := src.FetchOrders(context.Background(), "alice", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "new", recent[0]["id"])
	assert.Equal(t, "undated", recent[1]["id"])

	_, err = src.FetchOrders(context.Background(), "nobody", time.Time{})
	assert.ErrorIs(t, err, ErrUnknownUser)

	_, err = src.FetchOrders(context.Background(), "../etc/passwd", time.Time{})
	assert.Error(t, err)
}

type stubSource struct {
	calls atomic.Int32
	err   error
	out   []models.RawOrder
}

func (s *stubSource) FetchOrders(context.Context, string, time.Time) ([]models.RawOrder, error) {
	s.calls.Add(1)
	return s.out, s.err
}

func TestCircuitBreakerSource_TripsAfterFailures(t *testing.T) {
	stub := &stubSource{err: errors.New("upstream down")}
	settings := CircuitBreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 3, FailureRatio: 0.5}
	cb := NewCircuitBreakerSource(stub, settings, quietLogger())

	for i := 0; i < 3; i++ {
		_, err := cb.FetchOrders(context.Background(), "u", time.Time{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.FetchOrders(context.Background(), "u", time.Time{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), stub.calls.Load())
}

func TestCircuitBreakerSource_PassesResults(t *testing.T) {
	stub := &stubSource{out: []models.RawOrder{{"id": "x"}}}
	cb := NewCircuitBreakerSource(stub, DefaultCircuitBreakerSettings, quietLogger())

	raws, err := cb.FetchOrders(context.Background(), "u", time.Time{})
	require.NoError(t, err)
	assert.Len(t, raws, 1)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestRateLimitedSource(t *testing.T) {
	stub := &stubSource{}
	rl := NewRateLimitedSource(stub, 0.001, 1)

	_, err := rl.FetchOrders(context.Background(), "u", time.Time{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rl.FetchOrders(ctx, "u", time.Time{})
	assert.Error(t, err, "second call must wait past the deadline")
	assert.Equal(t, int32(1), stub.calls.Load())

	unlimited := NewRateLimitedSource(stub, 0, 0)
	for i := 0; i < 5; i++ {
		_, err := unlimited.FetchOrders(context.Background(), "u", time.Time{})
		require.NoError(t, err)
	}
}
