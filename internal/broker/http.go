package broker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/rollchain/internal/models"
)

// maxPages bounds pagination so a misbehaving upstream cannot loop forever.
const maxPages = 1000

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// HTTPSource fetches orders from a brokerage order-history API.
type HTTPSource struct {
	client  *http.Client
	logger  logrus.FieldLogger
	baseURL string
	token   string
}

// NewHTTPSource creates a source for baseURL. A nil client gets a client with timeout.
func NewHTTPSource(baseURL, token string, client *http.Client, timeout time.Duration, logger logrus.FieldLogger) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSource{
		client:  client,
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// FetchOrders requests GET <base>/users/<user>/orders?since=... and follows "next" links.
func (h *HTTPSource) FetchOrders(ctx context.Context, user string, since time.Time) ([]models.RawOrder, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339))
	}
	endpoint := fmt.Sprintf("%s/users/%s/orders", h.baseURL, url.PathEscape(user))
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var all []models.RawOrder
	for page := 0; endpoint != ""; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("order history for %s exceeded %d pages", user, maxPages)
		}
		raws, next, err := h.fetchPage(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		all = append(all, raws...)
		endpoint, err = h.resolve(endpoint, next)
		if err != nil {
			return nil, err
		}
	}

	h.logger.WithFields(logrus.Fields{"user": user, "orders": len(all)}).Debug("Fetched order history")
	return all, nil
}

func (h *HTTPSource) resolve(current, next string) (string, error) {
	if next == "" {
		return "", nil
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("invalid next link %q: %w", next, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// fetchPage makes one authenticated GET with context support for timeout/cancellation.
func (h *HTTPSource) fetchPage(ctx context.Context, endpoint string) ([]models.RawOrder, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, "", err
	}
	if h.token != "" {
		req.Header.Add("Authorization", "Bearer "+h.token)
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "rollchain/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			h.logger.WithError(err).Warn("Failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return nil, "", &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("GET %s -> failed to read error body", endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return nil, "", &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("GET %s -> %s (retry-after: %s)", endpoint, string(body), ra)}
		}
		return nil, "", &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("GET %s -> %s", endpoint, string(body))}
	}

	return DecodeOrders(resp.Body)
}
