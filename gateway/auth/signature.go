package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// HeaderAPIKey identifies the custody integration that signed the request.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix time in seconds the request was signed at.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce is unique per API key within the nonce window.
	HeaderNonce = "X-Nonce"
	// HeaderSignature is the hex HMAC-SHA256 of the canonical request.
	HeaderSignature = "X-Signature"
)

// signedHeaders are the authentication headers of one request.
type signedHeaders struct {
	apiKey    string
	timestamp string
	signedAt  time.Time
	nonce     string
	signature []byte
}

func parseSignedHeaders(h http.Header) (signedHeaders, error) {
	out := signedHeaders{
		apiKey:    strings.TrimSpace(h.Get(HeaderAPIKey)),
		timestamp: strings.TrimSpace(h.Get(HeaderTimestamp)),
		nonce:     strings.TrimSpace(h.Get(HeaderNonce)),
	}
	sig := strings.TrimSpace(h.Get(HeaderSignature))
	if out.apiKey == "" || out.timestamp == "" || out.nonce == "" || sig == "" {
		return out, ErrMissingHeader
	}
	if strings.Contains(out.apiKey, "|") || strings.Contains(out.nonce, "|") {
		return out, fmt.Errorf("%w: reserved character in key or nonce", ErrMissingHeader)
	}
	secs, err := strconv.ParseInt(out.timestamp, 10, 64)
	if err != nil {
		return out, fmt.Errorf("auth: invalid timestamp: %w", err)
	}
	out.signedAt = time.Unix(secs, 0).UTC()
	if out.signature, err = hex.DecodeString(sig); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return out, nil
}

// CanonicalRequestPath is the URL path followed by the query parameters in
// sorted order.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery == "" {
		return path
	}
	params := strings.Split(r.URL.RawQuery, "&")
	sort.Strings(params)
	return path + "?" + strings.Join(params, "&")
}

// ComputeSignature signs timestamp, nonce, method, canonical path and the
// hex SHA-256 of body, one per line.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	digest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s\n%s\n%s\n%s\n%s", timestamp, nonce, strings.ToUpper(method), path, hex.EncodeToString(digest[:]))
	return mac.Sum(nil)
}

// SignRequest sets the authentication headers on r for body.
func SignRequest(r *http.Request, apiKey, secret, nonce string, at time.Time, body []byte) {
	ts := strconv.FormatInt(at.Unix(), 10)
	sig := ComputeSignature(secret, ts, nonce, r.Method, CanonicalRequestPath(r), body)
	r.Header.Set(HeaderAPIKey, apiKey)
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, hex.EncodeToString(sig))
}
