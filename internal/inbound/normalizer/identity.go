package normalizer

import (
	"strings"
)

const (
	userServer  = "s.whatsapp.net"
	groupServer = "g.us"
)

// NormalizeIdentity maps a JID or a bare phone number to the canonical
// remote identity and the digits-only phone. Device suffixes (":12") and the
// legacy c.us server are folded into s.whatsapp.net. Group JIDs are kept as-is
// and return an empty phone.
func NormalizeIdentity(raw string) (identity string, phone string, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", false
	}

	user, server, hasServer := strings.Cut(raw, "@")
	if hasServer && strings.EqualFold(server, groupServer) {
		return user + "@" + groupServer, "", user != ""
	}

	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	digits := digitsOnly(user)
	if digits == "" {
		return "", "", false
	}
	return digits + "@" + userServer, digits, true
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
