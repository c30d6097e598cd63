// Package webhooks delivers engine events to external HTTP subscribers.
//
// Events are matched against active subscriptions, recorded as deliveries,
// signed with the subscription secret and pushed by a bounded consumer with
// exponential backoff. Delivery failures stay inside this package and never
// reach the run that produced the event.
package webhooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// SignaturePrefix prefixes the hex digest in the signature header.
const SignaturePrefix = "sha256="

// Delivery request headers.
const (
	HeaderEvent      = "X-Webhook-Event"
	HeaderSignature  = "X-Webhook-Signature"
	HeaderDeliveryID = "X-Webhook-Delivery-ID"
	HeaderAttempt    = "X-Webhook-Attempt"
)

// Canonicalize returns the canonical JSON encoding of payload: compact, with
// object keys sorted, numbers kept as written. Byte slices and raw messages
// are parsed first so equal documents always canonicalize identically.
func Canonicalize(payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 of body keyed by secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the valid signature of body
// under secret. The comparison is constant time. The "sha256=" prefix is
// optional.
func VerifySignature(body []byte, signature, secret string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), SignaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
