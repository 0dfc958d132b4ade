// Package collector is a development ingestion server speaking the same
// wire protocol as the hosted service. It keeps everything in memory.
package collector

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loykin/analytics-go/internal/destination"
	"github.com/loykin/analytics-go/internal/logger"
	"github.com/loykin/analytics-go/internal/transport"
	"github.com/loykin/analytics-go/internal/transport/natsbus"
)

const (
	DefaultMaxBatchSize = 1000
	DefaultMaxIDLength  = 64

	KindActivities  = "activities"
	KindGenerations = "generations"
	KindFeedbacks   = "feedbacks"
	KindIdentities  = "identities"
)

var batchKinds = map[string]string{
	destination.ActivitiesPath:  KindActivities,
	destination.GenerationsPath: KindGenerations,
	destination.FeedbacksPath:   KindFeedbacks,
}

type Options struct {
	// ProjectToken, when set, is the only token accepted.
	ProjectToken string
	// MaxBatchSize larger batches get a 413.
	MaxBatchSize int
	MaxIDLength  int
	// DailyQuota caps events per distinct id; 0 disables the quota.
	DailyQuota int
	Logger     *slog.Logger
}

type errorResp struct {
	Error        string `json:"error"`
	MissingField string `json:"missingField,omitempty"`
}

// Collector stores accepted events by kind.
type Collector struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	events   map[string][]map[string]any
	aliases  map[string]string
	perDay   map[string]int
	quotaDay string
}

func New(opts Options) *Collector {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.MaxIDLength <= 0 {
		opts.MaxIDLength = DefaultMaxIDLength
	}
	l := opts.Logger
	if l == nil {
		l = logger.Discard()
	}
	return &Collector{
		opts:    opts,
		logger:  l,
		now:     time.Now,
		events:  map[string][]map[string]any{},
		aliases: map[string]string{},
		perDay:  map[string]int{},
	}
}

// Events returns a copy of the accepted events of kind.
func (c *Collector) Events(kind string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any{}, c.events[kind]...)
}

// Reset forgets everything accepted so far.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = map[string][]map[string]any{}
	c.aliases = map[string]string{}
	c.perDay = map[string]int{}
}

// Ingest handles one request. It is shared by the HTTP router and the NATS
// subscription.
func (c *Collector) Ingest(_ context.Context, path, projectToken string, payload []byte) (int, any) {
	if projectToken == "" {
		return http.StatusBadRequest, errorResp{Error: "Invalid Project Token: missing " + transport.TokenHeader}
	}
	if c.opts.ProjectToken != "" && projectToken != c.opts.ProjectToken {
		return http.StatusBadRequest, errorResp{Error: "Invalid Project Token"}
	}
	if kind, ok := batchKinds[path]; ok {
		return c.ingestBatch(kind, payload)
	}
	switch path {
	case destination.IdentifyRegisterPath, destination.IdentifyIdentifyPath, destination.IdentifyAliasPath:
		return c.ingestIdentity(path, payload)
	}
	return http.StatusNotFound, errorResp{Error: "unknown endpoint " + path}
}

func (c *Collector) ingestBatch(kind string, payload []byte) (int, any) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		return http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()}
	}
	raw, ok := body[kind]
	if !ok {
		return http.StatusBadRequest, errorResp{Error: "Request missing required field", MissingField: kind}
	}
	var evs []map[string]any
	if err := json.Unmarshal(raw, &evs); err != nil {
		return http.StatusBadRequest, errorResp{Error: "invalid " + kind + ": " + err.Error()}
	}
	if len(evs) > c.opts.MaxBatchSize {
		return http.StatusRequestEntityTooLarge, transport.PayloadTooLargeBody{Error: "Payload too large"}
	}

	missing := map[string][]int{}
	idLengths := map[string][]int{}
	for i, ev := range evs {
		id, _ := ev["id"].(string)
		switch {
		case id == "":
			missing["id"] = append(missing["id"], i)
		case len(id) > c.opts.MaxIDLength:
			idLengths["id"] = append(idLengths["id"], i)
		}
		if name, _ := ev["name"].(string); name == "" {
			missing["name"] = append(missing["name"], i)
		}
	}
	if len(missing) > 0 || len(idLengths) > 0 {
		return http.StatusBadRequest, transport.InvalidBody{
			Error:                      "Request contains invalid events",
			EventsWithMissingFields:    missing,
			EventsWithInvalidIDLengths: idLengths,
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if exceeded := c.overQuota(evs); len(exceeded) > 0 {
		return http.StatusTooManyRequests, transport.RateLimitBody{
			Error:                     "Too many requests for some devices",
			ExceededDailyQuotaDevices: exceeded,
		}
	}
	c.events[kind] = append(c.events[kind], evs...)
	c.logger.Debug("events ingested", "kind", kind, "count", len(evs))
	return http.StatusOK, transport.SuccessBody{
		EventsIngested:   len(evs),
		PayloadSizeBytes: len(payload),
		ServerUploadTime: c.now().UnixMilli(),
	}
}

// overQuota counts evs against the daily quota. Callers hold c.mu.
func (c *Collector) overQuota(evs []map[string]any) map[string]int {
	if c.opts.DailyQuota <= 0 {
		return nil
	}
	if day := c.now().UTC().Format(time.DateOnly); day != c.quotaDay {
		c.quotaDay = day
		c.perDay = map[string]int{}
	}
	batch := map[string]int{}
	for _, ev := range evs {
		if id, _ := ev["distinctId"].(string); id != "" {
			batch[id]++
		}
	}
	exceeded := map[string]int{}
	for id, n := range batch {
		if c.perDay[id]+n > c.opts.DailyQuota {
			exceeded[id] = c.perDay[id]
		}
	}
	if len(exceeded) > 0 {
		return exceeded
	}
	for id, n := range batch {
		c.perDay[id] += n
	}
	return nil
}

func (c *Collector) ingestIdentity(path string, payload []byte) (int, any) {
	var ev map[string]any
	if err := json.Unmarshal(payload, &ev); err != nil {
		return http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()}
	}
	distinctID, _ := ev["distinctId"].(string)
	alias, _ := ev["alias"].(string)

	c.mu.Lock()
	defer c.mu.Unlock()
	resp := map[string]any{}
	switch path {
	case destination.IdentifyRegisterPath:
		if distinctID == "" {
			return http.StatusBadRequest, errorResp{Error: "Request missing required field", MissingField: "distinctId"}
		}
		resp["distinctId"] = distinctID
	case destination.IdentifyIdentifyPath:
		if alias == "" {
			return http.StatusBadRequest, errorResp{Error: "Request missing required field", MissingField: "alias"}
		}
		if id := c.aliases[alias]; id != "" {
			resp["distinctId"] = id
		}
	case destination.IdentifyAliasPath:
		if alias == "" || distinctID == "" {
			field := "alias"
			if alias != "" {
				field = "distinctId"
			}
			return http.StatusBadRequest, errorResp{Error: "Request missing required field", MissingField: field}
		}
		c.aliases[alias] = distinctID
		resp["distinctId"] = distinctID
	}
	c.events[KindIdentities] = append(c.events[KindIdentities], ev)
	return http.StatusOK, resp
}

// ServeNATS answers requests published by the natsbus transport.
func (c *Collector) ServeNATS(conn *nats.Conn, prefix string) (*nats.Subscription, error) {
	return natsbus.Serve(conn, prefix, c.Ingest)
}
