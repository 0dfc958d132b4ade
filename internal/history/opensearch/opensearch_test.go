package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/analytics-go/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedPath, receivedMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedPath = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"test-index","result":"created"}`))
	}))
	defer server.Close()

	sink, err := New(server.URL, "test-index")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := history.Record{
		OccurredAt:  time.Now().UTC(),
		Outcome:     history.OutcomeDelivered,
		EventID:     "evt-os",
		EventType:   "$track",
		EventName:   "signup",
		Destination: "activity",
		Code:        200,
		Message:     "Event tracked successfully",
		Attempts:    1,
	}
	if err := sink.Send(context.Background(), rec); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if receivedMethod != http.MethodPost {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedPath != "/test-index/_doc" {
		t.Errorf("Expected /test-index/_doc, got: %s", receivedPath)
	}
	var doc map[string]any
	if err := json.Unmarshal(receivedBody, &doc); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if doc["event_id"] != "evt-os" || doc["destination"] != "activity" || doc["code"] != float64(200) {
		t.Errorf("unexpected document: %v", doc)
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	}))
	defer server.Close()

	sink, err := New(server.URL, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Send(context.Background(), history.Record{EventID: "x"}); err == nil {
		t.Fatal("expected error for 400 response")
	}
}
