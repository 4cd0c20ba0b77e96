// Package broker supplies raw order records from brokerage exports and APIs, with
// circuit-breaker and rate-limit wrappers for remote sources.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eddiefleurent/rollchain/internal/models"
)

// ErrUnknownUser is returned by a FileSource when no export exists for the user.
var ErrUnknownUser = errors.New("no orders for user")

// OrderSource defines the interface for fetching a user's raw orders.
type OrderSource interface {
	// FetchOrders returns orders created at or after since; a zero since means the
	// full history.
	FetchOrders(ctx context.Context, user string, since time.Time) ([]models.RawOrder, error)
}

// Ensure implementations satisfy OrderSource at compile time.
var (
	_ OrderSource = (*FileSource)(nil)
	_ OrderSource = (*HTTPSource)(nil)
	_ OrderSource = (*CircuitBreakerSource)(nil)
	_ OrderSource = (*RateLimitedSource)(nil)
)

// orderPage is one page of orders. Brokers return either a bare array or an envelope
// with a results list and an optional next-page link.
type orderPage struct {
	Results singleOrArray[models.RawOrder] `json:"results"`
	Next    string                         `json:"next"`
}

// singleOrArray accepts both a single object and an array of objects. Numbers are kept
// as json.Number so strikes and premiums reach the normalizer without float rounding.
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return decodeNumbers(b, (*[]T)(s))
	}
	var one T
	if err := decodeNumbers(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

func decodeNumbers(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

// DecodeOrders parses an order document: a JSON array of orders, a single order object,
// or an object with a "results" field.
func DecodeOrders(r io.Reader) ([]models.RawOrder, string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("read orders: %w", err)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, "", nil
	}

	if b[0] == '[' {
		var list singleOrArray[models.RawOrder]
		if err := list.UnmarshalJSON(b); err != nil {
			return nil, "", fmt.Errorf("decode orders: %w", err)
		}
		return list, "", nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, "", fmt.Errorf("decode orders: %w", err)
	}
	if _, ok := probe["results"]; !ok {
		var one models.RawOrder
		if err := decodeNumbers(b, &one); err != nil {
			return nil, "", fmt.Errorf("decode order: %w", err)
		}
		return []models.RawOrder{one}, "", nil
	}

	var page orderPage
	if err := json.Unmarshal(b, &page); err != nil {
		return nil, "", fmt.Errorf("decode order page: %w", err)
	}
	return page.Results, page.Next, nil
}

// FileSource reads exported orders from <dir>/<user>.json.
type FileSource struct {
	dir string
}

// NewFileSource creates a source reading exports from dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// FetchOrders reads the user's export and filters it by creation time.
func (f *FileSource) FetchOrders(ctx context.Context, user string, since time.Time) ([]models.RawOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if user == "" || strings.ContainsAny(user, `/\`) || strings.Contains(user, "..") {
		return nil, fmt.Errorf("invalid user %q", user)
	}

	path := filepath.Join(f.dir, user+".json")
	file, err := os.Open(path) // #nosec G304 -- user is validated above
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", user, ErrUnknownUser)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	raws, _, err := DecodeOrders(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return filterSince(raws, since), nil
}

// ReadOrdersFile decodes an order document from path.
func ReadOrdersFile(path string) ([]models.RawOrder, error) {
	file, err := os.Open(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()
	raws, _, err := DecodeOrders(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return raws, nil
}

var timestampKeys = []string{"created_at", "updated_at", "last_transaction_at"}

// filterSince keeps orders created at or after since. Orders whose timestamp cannot be
// read are kept; the normalizer decides what to do with them.
func filterSince(raws []models.RawOrder, since time.Time) []models.RawOrder {
	if since.IsZero() {
		return raws
	}
	out := raws[:0:0]
	for _, raw := range raws {
		ts, ok := rawTimestamp(raw)
		if !ok || !ts.Before(since) {
			out = append(out, raw)
		}
	}
	return out
}

func rawTimestamp(raw models.RawOrder) (time.Time, bool) {
	for _, k := range timestampKeys {
		s, ok := raw[k].(string)
		if !ok || s == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}
