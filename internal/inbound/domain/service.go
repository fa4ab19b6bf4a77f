package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
)

// IngestRequest is one webhook delivery as received at the edge. Provider may
// be empty, in which case it is detected from headers and body.
type IngestRequest struct {
	Provider      Provider
	Body          []byte
	Header        http.Header
	RemoteIP      string
	CorrelationID string
}

type IngestResult struct {
	LogID          snowflake.ID `json:"webhook_log_id"`
	Provider       Provider     `json:"provider"`
	EventType      string       `json:"event_type"`
	SignatureValid bool         `json:"signature_valid"`
	Processed      bool         `json:"processed"`
	Events         int          `json:"events"`
	Rejected       int          `json:"rejected"`
	Published      int          `json:"published"`
}

// Service is the ingestion pipeline: guard, persist, normalize, resolve, publish.
type Service interface {
	// Ingest persists the payload before processing it inline. Processing
	// failures are recorded on the log row and do not surface as errors.
	Ingest(ctx context.Context, req IngestRequest) (IngestResult, error)
	// Reprocess replays a stored payload and returns processing errors.
	Reprocess(ctx context.Context, logID snowflake.ID) (IngestResult, error)
	// Reverify recomputes the signature of a stored payload.
	Reverify(ctx context.Context, logID snowflake.ID) (bool, error)
}
