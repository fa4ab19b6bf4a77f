package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/waingest/internal/clock"
	"github.com/smallbiznis/waingest/internal/inbound/domain"
)

const placeholderText = "[unsupported message]"

// Normalizer translates provider payloads into canonical events. It has no
// side effects; the clock only fills occurredAt when a payload omits it.
type Normalizer struct {
	clock clock.Clock
}

func New(clk clock.Clock) *Normalizer {
	if clk == nil {
		clk = clock.New()
	}
	return &Normalizer{clock: clk}
}

// Normalize parses raw according to provider. A payload that is not JSON at
// all fails with ErrPayloadMalformed; individual bad entries are reported in
// Result.Rejected while their siblings are still returned.
func (n *Normalizer) Normalize(provider domain.Provider, raw []byte) (domain.Result, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return domain.Result{}, fmt.Errorf("%w: body is not valid json", domain.ErrPayloadMalformed)
	}

	var (
		result domain.Result
		err    error
	)
	switch provider {
	case domain.ProviderCloudAPI:
		result, err = n.normalizeCloudAPI(trimmed)
	case domain.ProviderGateway:
		result, err = n.normalizeGateway(trimmed)
	default:
		return domain.Result{}, domain.ErrUnknownProvider
	}
	if err != nil {
		return domain.Result{}, err
	}
	if result.Events == nil {
		result.Events = []domain.InboundEvent{}
	}
	return result, nil
}

// DetectProvider guesses the provider of an unqualified POST /webhook call.
// Signature headers win over body sniffing.
func DetectProvider(raw []byte, header http.Header) (domain.Provider, error) {
	if header.Get("X-Hub-Signature-256") != "" {
		return domain.ProviderCloudAPI, nil
	}
	if header.Get("X-Hmac-Signature") != "" || header.Get("X-Wuzapi-Signature") != "" {
		return domain.ProviderGateway, nil
	}

	var shape struct {
		Object   string          `json:"object"`
		Entry    json.RawMessage `json:"entry"`
		Type     string          `json:"type"`
		JSONData json.RawMessage `json:"jsonData"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(raw), &shape); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrPayloadMalformed, err)
	}
	switch {
	case shape.Object != "" || len(shape.Entry) > 0:
		return domain.ProviderCloudAPI, nil
	case shape.Type != "" || len(shape.JSONData) > 0:
		return domain.ProviderGateway, nil
	default:
		return "", domain.ErrUnknownProvider
	}
}

func (n *Normalizer) occurredAt(t time.Time) time.Time {
	if t.IsZero() {
		return n.clock.Now().UTC()
	}
	return t.UTC()
}

// parseUnix accepts epoch seconds as a JSON string or number.
func parseUnix(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// flexString decodes a JSON string or number into its textual form.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

func (f flexString) String() string { return string(f) }
