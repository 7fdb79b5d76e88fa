// Package racedata is a thin client for the upstream race-results API. It
// caches responses in-process and can ingest final results into the store
// for settlement to consume.
package racedata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paddock/exchange-engine/internal/cache"
	"github.com/paddock/exchange-engine/internal/metrics"
	"github.com/paddock/exchange-engine/internal/model"
	"github.com/paddock/exchange-engine/internal/store"
)

// ErrUpstream is returned when the results API cannot be reached or answers
// with a non-2xx status.
var ErrUpstream = errors.New("racedata: upstream request failed")

const (
	requestTimeout = 10 * time.Second
	resultsTTL     = 10 * time.Minute
)

// Result is one participant's final standing as reported upstream.
type Result struct {
	ParticipantID string          `json:"participant_id"`
	Position      int             `json:"position"`
	Points        decimal.Decimal `json:"points"`
	Status        string          `json:"status"` // "finished", "dnf", "dsq"
}

// Client fetches race results. Responses are cached for resultsTTL, so
// polling settlement jobs do not hammer the upstream.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	results *cache.Cache[[]Result]
}

// NewClient creates a client for the results API at baseURL. apiKey may be
// empty when the upstream does not require one.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: requestTimeout},
		results: cache.New[[]Result](resultsTTL),
	}
}

// envelope is the upstream response wrapper; payloads live under "data".
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// EventResults returns the final results for an upstream event, from cache
// when fresh.
func (c *Client) EventResults(ctx context.Context, upstreamEventID string) ([]Result, error) {
	if cached, ok := c.results.Get(upstreamEventID); ok {
		metrics.ResultsFetchTotal.WithLabelValues("cache_hit").Inc()
		return cached, nil
	}

	var results []Result
	if err := c.get(ctx, "/events/"+upstreamEventID+"/results", &results); err != nil {
		metrics.ResultsFetchTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ResultsFetchTotal.WithLabelValues("ok").Inc()

	c.results.Set(upstreamEventID, results)
	return results, nil
}

// LiveNow reports whether any session is currently live upstream. Not
// cached: liveness goes stale in seconds.
func (c *Client) LiveNow(ctx context.Context) (bool, error) {
	var stages []json.RawMessage
	if err := c.get(ctx, "/livescores/now", &stages); err != nil {
		metrics.ResultsFetchTotal.WithLabelValues("error").Inc()
		return false, err
	}
	metrics.ResultsFetchTotal.WithLabelValues("ok").Inc()
	return len(stages) > 0, nil
}

// Ingest fetches results for upstreamEventID and upserts them as event
// results for eventID. Returns the number of rows written. Re-ingesting is
// safe: rows are keyed by (event, participant).
func (c *Client) Ingest(ctx context.Context, st store.Store, eventID, upstreamEventID string) (int, error) {
	if _, err := st.GetEvent(ctx, eventID); err != nil {
		return 0, err
	}
	results, err := c.EventResults(ctx, upstreamEventID)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, r := range results {
		if r.ParticipantID == "" {
			continue
		}
		if err := st.UpsertEventResult(ctx, &model.EventResult{
			ID:            uuid.New().String(),
			EventID:       eventID,
			ParticipantID: r.ParticipantID,
			PrimaryScore:  r.Points,
			Rank:          r.Position,
			Status:        resultStatus(r.Status),
		}); err != nil {
			return written, err
		}
		written++
	}

	slog.Info("results ingested", "event", eventID, "upstream_event", upstreamEventID, "rows", written)
	return written, nil
}

func resultStatus(s string) model.ResultStatus {
	switch s {
	case "dnf":
		return model.ResultDNF
	case "dsq", "disqualified":
		return model.ResultDisqualified
	default:
		return model.ResultFinished
	}
}

// get performs one GET against the upstream and decodes the data envelope
// into out.
func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	u, err := url.Parse(c.baseURL + endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if c.apiKey != "" {
		q := u.Query()
		q.Set("api_token", c.apiKey)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d from %s", ErrUpstream, resp.StatusCode, endpoint)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: decode data: %v", ErrUpstream, err)
	}
	return nil
}
