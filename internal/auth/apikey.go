package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

// Errors surfaced by the device credential check.
var (
	ErrMissingCredentials = errors.New("authorization header required")
	ErrInvalidKey         = errors.New("invalid api key")
)

// DeviceKey is the shared-secret check gating device-originated writes.
// It is intentionally disjoint from session authentication: device
// credentials and human sessions protect different trust boundaries and
// are never merged.
type DeviceKey struct {
	key string
}

// NewDeviceKey creates the check for the configured shared secret.
func NewDeviceKey(key string) *DeviceKey {
	return &DeviceKey{key: key}
}

// Verify validates an Authorization header value. Both "Bearer <key>"
// and "API-Key <key>" prefixes are accepted, as is the bare key.
func (d *DeviceKey) Verify(authorization string) error {
	if authorization == "" {
		return ErrMissingCredentials
	}

	token := authorization
	if strings.HasPrefix(authorization, "Bearer ") {
		token = strings.TrimPrefix(authorization, "Bearer ")
	} else if strings.HasPrefix(authorization, "API-Key ") {
		token = strings.TrimPrefix(authorization, "API-Key ")
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(d.key)) != 1 {
		return ErrInvalidKey
	}
	return nil
}
