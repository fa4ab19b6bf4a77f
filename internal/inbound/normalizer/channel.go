package normalizer

import (
	"encoding/json"

	"github.com/smallbiznis/waingest/internal/inbound/domain"
)

// PeekChannel returns the provider channel key of a payload without
// normalizing it: the first phone_number_id for the cloud API, the session
// name for the gateway. It returns "" when the payload does not name one.
func PeekChannel(provider domain.Provider, raw []byte) string {
	switch provider {
	case domain.ProviderCloudAPI:
		var shape struct {
			Entry []struct {
				Changes []struct {
					Value struct {
						Metadata cloudMetadata `json:"metadata"`
					} `json:"value"`
				} `json:"changes"`
			} `json:"entry"`
		}
		if err := json.Unmarshal(raw, &shape); err != nil {
			return ""
		}
		for _, entry := range shape.Entry {
			for _, change := range entry.Changes {
				if id := change.Value.Metadata.PhoneNumberID; id != "" {
					return id
				}
			}
		}
	case domain.ProviderGateway:
		var env gatewayEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return ""
		}
		if channel := firstNonEmpty(env.InstanceName, env.UserID); channel != "" {
			return channel
		}
		if len(env.JSONData) == 0 {
			return ""
		}
		inner, err := unwrapJSONData(env.JSONData)
		if err != nil {
			return ""
		}
		var innerEnv gatewayEnvelope
		if err := json.Unmarshal(inner, &innerEnv); err != nil {
			return ""
		}
		return firstNonEmpty(innerEnv.InstanceName, innerEnv.UserID)
	}
	return ""
}
