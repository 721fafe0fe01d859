// Package signer implements GTE request signing: a canonicalized payload is
// signed with HMAC-SHA256 and attached to REST headers or the websocket auth
// frame. Both transports must go through this package so the wire contract
// lives in exactly one place.
package signer

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrEmptyPayload is returned when signing is attempted with neither a body
// nor query parameters. The caller must not sign such a request.
var ErrEmptyPayload = errors.New("signer: request has no body and no query parameters")

const (
	// RESTGrace is the expiry grace window for REST requests.
	RESTGrace = 600 * time.Second
	// WSGrace is the shorter grace window for the stream auth handshake.
	WSGrace = 60 * time.Second
)

// Expires returns the signature expiry as epoch milliseconds: current time in
// seconds, rounded, plus the grace window. The server rejects signatures past
// this moment, so the window also absorbs clock skew.
func Expires(grace time.Duration) int64 {
	now := time.Now().UnixNano()
	secs := (now + int64(500*time.Millisecond)) / int64(time.Second)
	return (secs + int64(grace/time.Second)) * 1000
}

// Canonicalize renders the request parameters as sorted-key, whitespace-free
// JSON. If a body is present it wins over the query string; the body may be
// either JSON or form-encoded. The server signs the same canonical string, so
// every transformation here (key sorting, space and backslash stripping) is
// part of the wire contract.
func Canonicalize(body []byte, query url.Values) (string, error) {
	switch {
	case len(body) > 0:
		params, err := parseBody(body)
		if err != nil {
			return "", err
		}
		return marshalCanonical(params)
	case len(query) > 0:
		params := make(map[string]any, len(query))
		for k, vs := range query {
			if len(vs) > 0 {
				params[k] = vs[0]
			}
		}
		return marshalCanonical(params)
	default:
		return "", ErrEmptyPayload
	}
}

// parseBody accepts a JSON object or a form-encoded string.
func parseBody(body []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		params := make(map[string]any)
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		// json.Number keeps numeric literals intact; a float round-trip
		// would mangle large order IDs.
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			return nil, err
		}
		return params, nil
	}
	form, err := url.ParseQuery(string(trimmed))
	if err != nil {
		return nil, err
	}
	params := make(map[string]any, len(form))
	for k, vs := range form {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params, nil
}

func marshalCanonical(params map[string]any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(params); err != nil {
		return "", err
	}
	s := strings.TrimSuffix(buf.String(), "\n")
	// The server strips spaces and backslashes before signing; mirror it.
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, `\`, "")
	return s, nil
}

// SignMessage computes the lowercase hex HMAC-SHA256 of message keyed by the
// API secret.
func SignMessage(apiSecret, message string) string {
	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign computes the REST signature over apiKey || expires || canonicalPayload.
func Sign(apiKey, apiSecret string, expires int64, canonicalPayload string) string {
	return SignMessage(apiSecret, apiKey+strconv.FormatInt(expires, 10)+canonicalPayload)
}
