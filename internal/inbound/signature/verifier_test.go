package signature

import (
	"net/http"
	"testing"

	"github.com/smallbiznis/waingest/internal/inbound/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyCloudSignature(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)
	v := NewWithSecrets(map[domain.Provider]string{domain.ProviderCloudAPI: "app-secret"}, false)

	h := http.Header{}
	h.Set(HeaderCloudAPI, Sign(domain.ProviderCloudAPI, "app-secret", body))
	verdict, err := v.Verify(domain.ProviderCloudAPI, body, h)
	require.NoError(t, err)
	assert.True(t, verdict.Valid)

	h.Set(HeaderCloudAPI, Sign(domain.ProviderCloudAPI, "other-secret", body))
	verdict, err = v.Verify(domain.ProviderCloudAPI, body, h)
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
	assert.Equal(t, h.Get(HeaderCloudAPI), verdict.Header)

	tampered := append([]byte{}, body...)
	tampered[2] = 'O'
	h.Set(HeaderCloudAPI, Sign(domain.ProviderCloudAPI, "app-secret", body))
	verdict, err = v.Verify(domain.ProviderCloudAPI, tampered, h)
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
}

func TestVerifyMissingOrMalformedHeader(t *testing.T) {
	v := NewWithSecrets(map[domain.Provider]string{domain.ProviderCloudAPI: "app-secret"}, false)

	_, err := v.Verify(domain.ProviderCloudAPI, []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, domain.ErrSignatureMissing)

	h := http.Header{}
	h.Set(HeaderCloudAPI, "sha256=zz")
	_, err = v.Verify(domain.ProviderCloudAPI, []byte(`{}`), h)
	assert.ErrorIs(t, err, domain.ErrSignatureMissing)

	h.Set(HeaderCloudAPI, Sign(domain.ProviderGateway, "app-secret", []byte(`{}`)))
	_, err = v.Verify(domain.ProviderCloudAPI, []byte(`{}`), h)
	assert.ErrorIs(t, err, domain.ErrSignatureMissing)
}

func TestVerifyGatewayAcceptsLegacyHeaderAndPrefix(t *testing.T) {
	body := []byte(`{"type":"Message"}`)
	v := NewWithSecrets(map[domain.Provider]string{domain.ProviderGateway: "hmac-key"}, false)

	h := http.Header{}
	h.Set(HeaderGatewayLegacy, Sign(domain.ProviderGateway, "hmac-key", body))
	verdict, err := v.Verify(domain.ProviderGateway, body, h)
	require.NoError(t, err)
	assert.True(t, verdict.Valid)

	h = http.Header{}
	h.Set(HeaderGateway, "sha256="+Sign(domain.ProviderGateway, "hmac-key", body))
	verdict, err = v.Verify(domain.ProviderGateway, body, h)
	require.NoError(t, err)
	assert.True(t, verdict.Valid)
}

func TestVerifyWithoutSecretFollowsAllowUnsigned(t *testing.T) {
	strict := NewWithSecrets(nil, false)
	verdict, err := strict.Verify(domain.ProviderGateway, []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
	assert.False(t, strict.Configured(domain.ProviderGateway))

	lenient := NewWithSecrets(map[domain.Provider]string{domain.ProviderGateway: "  "}, true)
	verdict, err = lenient.Verify(domain.ProviderGateway, []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.True(t, verdict.Valid)
}
