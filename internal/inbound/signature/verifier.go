package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/smallbiznis/waingest/internal/config"
	"github.com/smallbiznis/waingest/internal/inbound/domain"
)

const (
	HeaderCloudAPI       = "X-Hub-Signature-256"
	HeaderGateway        = "X-Hmac-Signature"
	HeaderGatewayLegacy  = "X-Wuzapi-Signature"
	cloudSignaturePrefix = "sha256="
)

// Verdict is the outcome of checking one delivery. Header is the raw value
// the provider sent and is stored with the log row for later re-verification.
type Verdict struct {
	Header string
	Valid  bool
}

// Verifier checks HMAC-SHA256 signatures over the exact request body.
type Verifier struct {
	secrets       map[domain.Provider]string
	allowUnsigned bool
}

func New(cfg config.Config) *Verifier {
	return NewWithSecrets(map[domain.Provider]string{
		domain.ProviderCloudAPI: cfg.Webhook.CloudAppSecret,
		domain.ProviderGateway:  cfg.Webhook.GatewayHMACKey,
	}, cfg.Webhook.AllowUnsigned)
}

func NewWithSecrets(secrets map[domain.Provider]string, allowUnsigned bool) *Verifier {
	cleaned := make(map[domain.Provider]string, len(secrets))
	for p, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			cleaned[p] = s
		}
	}
	return &Verifier{secrets: cleaned, allowUnsigned: allowUnsigned}
}

// HeaderValue extracts the provider's signature header.
func HeaderValue(provider domain.Provider, header http.Header) string {
	switch provider {
	case domain.ProviderCloudAPI:
		return strings.TrimSpace(header.Get(HeaderCloudAPI))
	case domain.ProviderGateway:
		if v := strings.TrimSpace(header.Get(HeaderGateway)); v != "" {
			return v
		}
		return strings.TrimSpace(header.Get(HeaderGatewayLegacy))
	default:
		return ""
	}
}

// Verify returns ErrSignatureMissing when a secret is configured but the
// header is absent or not hex. Such requests are rejected at the edge. A
// well-formed header that does not match yields Valid=false and no error,
// so the payload is still logged for audit.
func (v *Verifier) Verify(provider domain.Provider, body []byte, header http.Header) (Verdict, error) {
	return v.VerifyHeader(provider, body, HeaderValue(provider, header))
}

// VerifyHeader is Verify over an already extracted header value.
func (v *Verifier) VerifyHeader(provider domain.Provider, body []byte, headerValue string) (Verdict, error) {
	verdict := Verdict{Header: headerValue}

	secret, ok := v.secrets[provider]
	if !ok {
		verdict.Valid = v.allowUnsigned
		return verdict, nil
	}

	expected, err := decodeHeader(provider, headerValue)
	if err != nil {
		return verdict, err
	}

	verdict.Valid = hmac.Equal(expected, Compute(secret, body))
	return verdict, nil
}

// Configured reports whether a secret exists for provider.
func (v *Verifier) Configured(provider domain.Provider) bool {
	_, ok := v.secrets[provider]
	return ok
}

// Compute returns the raw HMAC-SHA256 of body.
func Compute(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign formats the header value a provider would send for body.
func Sign(provider domain.Provider, secret string, body []byte) string {
	sum := hex.EncodeToString(Compute(secret, body))
	if provider == domain.ProviderCloudAPI {
		return cloudSignaturePrefix + sum
	}
	return sum
}

func decodeHeader(provider domain.Provider, value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, domain.ErrSignatureMissing
	}

	lower := strings.ToLower(value)
	switch {
	case strings.HasPrefix(lower, cloudSignaturePrefix):
		value = value[len(cloudSignaturePrefix):]
	case provider == domain.ProviderCloudAPI:
		return nil, fmt.Errorf("%w: expected %s prefix", domain.ErrSignatureMissing, cloudSignaturePrefix)
	}

	decoded, err := hex.DecodeString(value)
	if err != nil || len(decoded) != sha256.Size {
		return nil, fmt.Errorf("%w: malformed digest", domain.ErrSignatureMissing)
	}
	return decoded, nil
}
