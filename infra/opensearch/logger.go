package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

// Logger handles OpenSearch logging operations
type Logger struct {
	client  *Client
	service string
}

// NewLogger creates a new OpenSearch logger
func NewLogger(client *Client, service string) *Logger {
	return &Logger{
		client:  client,
		service: service,
	}
}

// LogSystemEvent indexes one structured system log document
func (l *Logger) LogSystemEvent(ctx context.Context, entry any) error {
	if !l.client.IsEnabled() {
		return nil // Logging disabled
	}

	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log: %w", err)
	}

	req := opensearchapi.IndexRequest{
		Index: SystemLogIndexName(l.service),
		Body:  bytes.NewReader(doc),
	}

	res, err := req.Do(ctx, l.client.GetClient())
	if err != nil {
		return fmt.Errorf("failed to index log: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch error: %s", res.String())
	}

	return nil
}
