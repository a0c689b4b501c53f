package psp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// SignatureHeader carries the webhook signature: "t=<unix>,v1=<hex hmac>"
// where the MAC covers "<unix>.<payload>".
const SignatureHeader = "Webhook-Signature"

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Sign produces a signature header value for payload at ts. Used by tests
// and local tooling; the processor signs real deliveries.
func Sign(secret, payload []byte, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	mac := computeMAC(secret, payload, unix)
	return "t=" + unix + ",v1=" + hex.EncodeToString(mac)
}

// VerifySignature checks the header against the payload and rejects stale
// timestamps outside tolerance. It must run before any state mutation.
func VerifySignature(secret, payload []byte, header string, now time.Time, tolerance time.Duration) error {
	var tsPart, sigPart string
	for _, part := range strings.Split(header, ",") {
		switch {
		case strings.HasPrefix(part, "t="):
			tsPart = strings.TrimPrefix(part, "t=")
		case strings.HasPrefix(part, "v1="):
			sigPart = strings.TrimPrefix(part, "v1=")
		}
	}
	if tsPart == "" || sigPart == "" {
		return errors.Wrap(ErrInvalidSignature, "malformed header")
	}
	unix, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, "malformed timestamp")
	}
	ts := time.Unix(unix, 0)
	if d := now.Sub(ts); d > tolerance || d < -tolerance {
		return errors.Wrap(ErrInvalidSignature, "timestamp outside tolerance")
	}
	got, err := hex.DecodeString(sigPart)
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, "malformed signature")
	}
	want := computeMAC(secret, payload, tsPart)
	if !hmac.Equal(got, want) {
		return errors.Wrap(ErrInvalidSignature, "signature mismatch")
	}
	return nil
}

func computeMAC(secret, payload []byte, unix string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(unix))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}
