package models

import (
	"net"
	"net/url"
	"strings"
	"time"
)

// Expiry timestamp layouts accepted on API keys. Administrative writers
// store the full form; older records may carry a bare date.
const (
	ExpiryLayout     = "2006-01-02 03:04:05 PM"
	ExpiryDateLayout = "2006-01-02"
)

// APIKey represents an issued access credential
type APIKey struct {
	ID             string   `json:"id"`
	Secret         string   `json:"key"`
	OwnerName      string   `json:"owner_name"`
	ExpiryDate     string   `json:"expiry_date"`
	HitLimit       int64    `json:"hit_limit"`
	HitsUsed       int64    `json:"hits_used"`
	AllowedOrigins []string `json:"allowed_origins"`
	CreatedAt      string   `json:"created_at"`
	Active         bool     `json:"active"`
}

// IsValid reports whether the key may admit a request at the given time:
// it must be active, unexpired, and under its hit limit (0 = unlimited).
// An expiry that parses under neither layout invalidates the key.
func (k *APIKey) IsValid(now time.Time) bool {
	if !k.Active {
		return false
	}

	expiry, err := time.ParseInLocation(ExpiryLayout, k.ExpiryDate, now.Location())
	if err != nil {
		expiry, err = time.ParseInLocation(ExpiryDateLayout, k.ExpiryDate, now.Location())
		if err != nil {
			return false
		}
	}
	if expiry.Before(now) {
		return false
	}

	if k.HitLimit > 0 && k.HitsUsed >= k.HitLimit {
		return false
	}

	return true
}

// QuotaExceeded reports whether the key has used up its hit limit.
func (k *APIKey) QuotaExceeded() bool {
	return k.HitLimit > 0 && k.HitsUsed >= k.HitLimit
}

// MatchesOrigin checks the caller's origin against the allow-list. An empty
// list allows everything. When a hostname was resolved from the request it
// is matched strictly: the fallback address is consulted only when no
// hostname is available at all.
func (k *APIKey) MatchesOrigin(hostname, fallbackAddr string) bool {
	if len(k.AllowedOrigins) == 0 {
		return true
	}
	if hostname != "" {
		return k.originAllowed(hostname)
	}
	return k.originAllowed(fallbackAddr)
}

func (k *APIKey) originAllowed(origin string) bool {
	for _, allowed := range k.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// ResolveOriginHost extracts the hostname from an Origin or Referer header
// value. A value without a scheme is treated as a bare host. Returns ""
// when no hostname can be resolved, which falls the caller through to the
// address-based check.
func ResolveOriginHost(header string) string {
	if header == "" {
		return ""
	}
	raw := header
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// ClientAddr strips the port from a network address, leaving the host or
// IP literal for origin matching.
func ClientAddr(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
