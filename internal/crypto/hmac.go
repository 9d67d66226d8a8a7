package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Request authentication headers.
const (
	HeaderKey       = "X-Arb-Key"
	HeaderTimestamp = "X-Arb-Timestamp"
	HeaderSignature = "X-Arb-Signature"
)

var (
	ErrBadSignature = errors.New("crypto: bad request signature")
	ErrStaleRequest = errors.New("crypto: request timestamp outside allowed skew")
)

// HMACAuth signs API requests as HMAC-SHA256(secret, ts+method+path+body),
// base64 encoded.
type HMACAuth struct {
	Key    string
	Secret string
}

func (h HMACAuth) sign(ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(ts + method + path))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Headers returns the auth headers for a request sent at now.
func (h HMACAuth) Headers(method, path string, body []byte, now time.Time) map[string]string {
	ts := strconv.FormatInt(now.Unix(), 10)
	return map[string]string{
		HeaderKey:       h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: h.sign(ts, method, path, body),
	}
}

// Verify checks a signature and that ts is within skew of now.
func (h HMACAuth) Verify(method, path string, body []byte, ts, signature string, now time.Time, skew time.Duration) error {
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q", ErrBadSignature, ts)
	}
	if d := now.Sub(time.Unix(unix, 0)); d > skew || d < -skew {
		return ErrStaleRequest
	}
	want := h.sign(ts, method, path, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// String redacts the secret.
func (h HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
