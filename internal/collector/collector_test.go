package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/analytics-go/internal/config"
	"github.com/loykin/analytics-go/internal/destination"
	"github.com/loykin/analytics-go/internal/event"
	"github.com/loykin/analytics-go/internal/logger"
	"github.com/loykin/analytics-go/internal/transport"
)

func ingest(t *testing.T, c *Collector, path, token string, body any) (int, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	code, resp := c.Ingest(context.Background(), path, token, raw)
	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	return code, out
}

func batch(kind string, evs ...map[string]any) map[string]any {
	return map[string]any{kind: evs, "options": map[string]any{}}
}

func TestIngestBatch(t *testing.T) {
	c := New(Options{ProjectToken: "tok"})
	code, resp := ingest(t, c, destination.ActivitiesPath, "tok", batch(KindActivities,
		map[string]any{"id": "1", "name": "click", "distinctId": "d"},
		map[string]any{"id": "2", "name": "view", "distinctId": "d"},
	))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, resp)
	}
	r := transport.ParseResponse(code, resp)
	if r.Success == nil || r.Success.EventsIngested != 2 {
		t.Fatalf("unexpected body %s", resp)
	}
	if n := len(c.Events(KindActivities)); n != 2 {
		t.Fatalf("expected 2 stored events, got %d", n)
	}
}

func TestIngestRejectsTokens(t *testing.T) {
	c := New(Options{ProjectToken: "tok"})
	for _, token := range []string{"", "other"} {
		code, resp := ingest(t, c, destination.FeedbacksPath, token, batch(KindFeedbacks))
		r := transport.ParseResponse(code, resp)
		if code != http.StatusBadRequest || !strings.HasPrefix(r.Invalid.Error, event.InvalidProjectToken) {
			t.Fatalf("token %q: got %d %s", token, code, resp)
		}
	}
}

func TestIngestInvalidEvents(t *testing.T) {
	c := New(Options{MaxIDLength: 4})
	code, resp := ingest(t, c, destination.GenerationsPath, "tok", batch(KindGenerations,
		map[string]any{"id": "1", "name": "ok"},
		map[string]any{"name": "no id"},
		map[string]any{"id": "too-long", "name": "long"},
	))
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	r := transport.ParseResponse(code, resp)
	drop := r.Invalid.DropIndexes()
	if len(drop) != 2 {
		t.Fatalf("expected indexes 1 and 2, got %v", drop)
	}
	if _, ok := drop[0]; ok {
		t.Fatal("valid event must not be dropped")
	}
	if n := len(c.Events(KindGenerations)); n != 0 {
		t.Fatalf("rejected batch must not be stored, got %d", n)
	}
}

func TestIngestLimits(t *testing.T) {
	c := New(Options{MaxBatchSize: 1, DailyQuota: 1})
	code, _ := ingest(t, c, destination.ActivitiesPath, "tok", batch(KindActivities,
		map[string]any{"id": "1", "name": "a"}, map[string]any{"id": "2", "name": "b"}))
	if code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", code)
	}

	code, _ = ingest(t, c, destination.ActivitiesPath, "tok", batch(KindActivities, map[string]any{"id": "1", "name": "a", "distinctId": "d"}))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	code, resp := ingest(t, c, destination.ActivitiesPath, "tok", batch(KindActivities, map[string]any{"id": "2", "name": "b", "distinctId": "d"}))
	if code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	r := transport.ParseResponse(code, resp)
	if _, ok := r.RateLimit.ExceededDailyQuotaDevices["d"]; !ok {
		t.Fatalf("device not reported: %s", resp)
	}
}

func TestIngestIdentities(t *testing.T) {
	c := New(Options{})
	code, resp := ingest(t, c, destination.IdentifyIdentifyPath, "tok", map[string]any{"id": "1", "alias": "user@example.com"})
	if code != http.StatusOK || string(resp) != "{}" {
		t.Fatalf("unknown alias: %d %s", code, resp)
	}
	if code, _ := ingest(t, c, destination.IdentifyAliasPath, "tok", map[string]any{"id": "2", "alias": "user@example.com", "distinctId": "dist-9"}); code != http.StatusOK {
		t.Fatalf("alias: %d", code)
	}
	_, resp = ingest(t, c, destination.IdentifyIdentifyPath, "tok", map[string]any{"id": "3", "alias": "user@example.com"})
	if !strings.Contains(string(resp), "dist-9") {
		t.Fatalf("identify should resolve alias: %s", resp)
	}
	code, resp = ingest(t, c, destination.IdentifyRegisterPath, "tok", map[string]any{"id": "4"})
	if code != http.StatusBadRequest || !strings.Contains(string(resp), "distinctId") {
		t.Fatalf("register without distinctId: %d %s", code, resp)
	}
	if code, _ := ingest(t, c, "/nope", "tok", map[string]any{}); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestRouterEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := New(Options{ProjectToken: "tok"})
	srv := httptest.NewServer(NewRouter(c, "/collect/").Handler())
	defer srv.Close()

	tr, err := transport.NewHTTP(transport.HTTPConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.New("tok", config.Options{
		ServerURL:     srv.URL + "/collect",
		FlushInterval: 10 * time.Millisecond,
		LogLevel:      logger.LevelNone,
		Transport:     tr,
	})
	d := destination.NewActivity(destination.Options{})
	if err := d.Setup(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.Close() }()

	ev := event.NewTrack("click", nil, event.Properties{event.PropDistinctID: "dist"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := d.Execute(ctx, ev).Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r.Code != 200 {
		t.Fatalf("unexpected result %+v", r)
	}
	stored := c.Events(KindActivities)
	if len(stored) != 1 || stored[0]["id"] != ev.ID || stored[0]["distinctId"] != "dist" {
		t.Fatalf("unexpected stored events %v", stored)
	}

	resp, err := http.Get(srv.URL + "/collect/debug/events?kind=activities")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var listed []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil || len(listed) != 1 {
		t.Fatalf("debug listing: %v %v", listed, err)
	}
}
