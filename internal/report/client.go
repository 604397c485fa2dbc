package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotConfigured is returned when no reporting service URL is set.
	ErrNotConfigured = errors.New("reporting service not configured")
	// ErrUpstream wraps any failure talking to the reporting service.
	ErrUpstream = errors.New("reporting service request failed")
)

// HistoryPoint is one bucket of the class history: the average CO2 over a
// 15 minute interval starting at Timestamp.
type HistoryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	CO2       float64   `json:"co2"`
}

// Range restricts the history query. Zero values leave the bound open.
type Range struct {
	Start time.Time
	End   time.Time
}

// Client handles communication with the external reporting service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a reporting client. An empty baseURL yields a client
// whose calls fail with ErrNotConfigured.
func NewClient(baseURL string, httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// History fetches the aggregated CO2 history of a class.
func (c *Client) History(ctx context.Context, classID string, r Range) ([]HistoryPoint, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	q := url.Values{}
	if !r.Start.IsZero() {
		q.Set("start_date", r.Start.Format(time.RFC3339))
	}
	if !r.End.IsZero() {
		q.Set("end_date", r.End.Format(time.RFC3339))
	}
	fullURL := fmt.Sprintf("%s/api/readings/history/%s", c.baseURL, url.PathEscape(classID))
	if len(q) > 0 {
		fullURL += "?" + q.Encode()
	}
	c.logger.WithField("url", fullURL).Debug("Requesting class history")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build history request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var points []HistoryPoint
	if err := json.NewDecoder(resp.Body).Decode(&points); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}

	c.logger.WithFields(logrus.Fields{
		"class_id": classID,
		"points":   len(points),
	}).Debug("Received class history")
	return points, nil
}
