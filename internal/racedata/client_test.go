package racedata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/paddock/exchange-engine/internal/model"
	"github.com/paddock/exchange-engine/internal/store"
)

const resultsBody = `{"data":[
	{"participant_id":"drv-1","position":1,"points":"25","status":"finished"},
	{"participant_id":"drv-2","position":2,"points":"18","status":"finished"},
	{"participant_id":"drv-3","position":0,"points":"0","status":"dnf"}
]}`

func TestEventResults(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path != "/events/race-9/results" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("api_token") != "secret" {
			t.Errorf("api_token = %q, want secret", r.URL.Query().Get("api_token"))
		}
		w.Write([]byte(resultsBody))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	results, err := c.EventResults(context.Background(), "race-9")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].ParticipantID != "drv-1" || !results[0].Points.Equal(decimal.NewFromInt(25)) {
		t.Errorf("first result = %+v", results[0])
	}

	// Second call is served from cache.
	if _, err := c.EventResults(context.Background(), "race-9"); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if hits != 1 {
		t.Errorf("upstream hit %d times, want 1", hits)
	}
}

func TestEventResultsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.EventResults(context.Background(), "race-9"); !errors.Is(err, ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", err)
	}
}

func TestLiveNow(t *testing.T) {
	body := `{"data":[]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/livescores/now" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	live, err := c.LiveNow(context.Background())
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	if live {
		t.Error("no stages but LiveNow = true")
	}

	body = `{"data":[{"id":1}]}`
	live, err = c.LiveNow(context.Background())
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	if !live {
		t.Error("live stage present but LiveNow = false")
	}
}

func TestIngest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(resultsBody))
	}))
	defer srv.Close()

	ctx := context.Background()
	st := store.NewMemoryStore()
	if err := st.CreateEvent(ctx, &model.Event{ID: "evt-1", Name: "Grand Prix", Status: model.EventLive}); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	c := NewClient(srv.URL, "")
	n, err := c.Ingest(ctx, st, "evt-1", "race-9")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 3 {
		t.Errorf("wrote %d rows, want 3", n)
	}

	r, err := st.GetEventResult(ctx, "evt-1", "drv-2")
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if !r.PrimaryScore.Equal(decimal.NewFromInt(18)) || r.Rank != 2 {
		t.Errorf("result = %+v", r)
	}
	dnf, err := st.GetEventResult(ctx, "evt-1", "drv-3")
	if err != nil {
		t.Fatalf("dnf result: %v", err)
	}
	if dnf.Status != model.ResultDNF {
		t.Errorf("status = %s, want dnf", dnf.Status)
	}

	// Unknown event is rejected before any upstream call.
	if _, err := c.Ingest(ctx, st, "nope", "race-9"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
