package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrAuthentication covers a missing or wrong signature and a timestamp
	// outside the replay window.
	ErrAuthentication = errors.New("gateway: authentication failed")
	// ErrValidation is a payload that can't be classified.
	ErrValidation = errors.New("gateway: invalid payload")
)

const (
	signatureVersion    = "v0"
	defaultReplayWindow = 300 * time.Second
)

// Sign returns the v0 signature for body sent at ts.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%d:", signatureVersion, ts)
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks inbound webhook signatures.
type Verifier struct {
	Secret string
	Window time.Duration
	Now    func() time.Time
}

// Verify checks the signature headers against body. Both the generic
// X-Signature/X-Timestamp pair and the Slack pair are accepted; the
// signature may carry the "v0=" prefix or be bare hex.
func (v Verifier) Verify(h http.Header, body []byte) error {
	if v.Secret == "" {
		return fmt.Errorf("%w: no signing secret configured", ErrAuthentication)
	}
	sig := firstHeader(h, "X-Signature", "X-Slack-Signature")
	rawTS := firstHeader(h, "X-Timestamp", "X-Slack-Request-Timestamp")
	if sig == "" || rawTS == "" {
		return fmt.Errorf("%w: missing signature", ErrAuthentication)
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrAuthentication)
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	window := v.Window
	if window <= 0 {
		window = defaultReplayWindow
	}
	skew := now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return fmt.Errorf("%w: timestamp outside replay window", ErrAuthentication)
	}

	got, err := hex.DecodeString(strings.TrimPrefix(sig, signatureVersion+"="))
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrAuthentication)
	}
	want, _ := hex.DecodeString(strings.TrimPrefix(Sign(v.Secret, ts, body), signatureVersion+"="))
	if !hmac.Equal(got, want) {
		return fmt.Errorf("%w: signature mismatch", ErrAuthentication)
	}
	return nil
}

func firstHeader(h http.Header, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(h.Get(n)); v != "" {
			return v
		}
	}
	return ""
}

// bearerToken extracts a token from Authorization: Bearer, X-API-Key, or the
// token query parameter (for browser websockets).
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("token")
}

// authorize guards the operator endpoints. With no token configured only
// loopback callers are let through.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return isLoopback(r.RemoteAddr)
	}
	token := bearerToken(r)
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
