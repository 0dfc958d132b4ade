package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/loykin/analytics-go/internal/history"
)

const DefaultIndex = "delivery-history"

// Sink indexes records as OpenSearch documents.
type Sink struct {
	client *opensearch.Client
	index  string
}

// New creates a sink for baseURL (scheme://host:port) writing to index.
func New(baseURL, index string) (*Sink, error) {
	if index == "" {
		index = DefaultIndex
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{strings.TrimRight(baseURL, "/")},
		Transport: &http.Transport{ResponseHeaderTimeout: 5 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	return &Sink{client: client, index: index}, nil
}

func (s *Sink) Send(ctx context.Context, r history.Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	resp, err := s.client.Index(s.index, bytes.NewReader(b), s.client.Index.WithContext(ctx))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.IsError() {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
