// Package signing authenticates requests sent to HTTP messaging gateways.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

const (
	HeaderTimestamp = "X-RemindRelay-Timestamp"
	HeaderSignature = "X-RemindRelay-Signature"
)

func Sign(secret string, payload []byte) (signature string, timestamp int64) {
	timestamp = time.Now().Unix()
	return SignAt(secret, payload, timestamp), timestamp
}

// SignAt returns "v1=<hex hmac-sha256>" over "<timestamp>.<payload>".
func SignAt(secret string, payload []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("v1=%s", hex.EncodeToString(mac.Sum(nil)))
}

func Verify(secret string, payload []byte, timestamp int64, signature string) bool {
	expected := SignAt(secret, payload, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyHeaders checks the signature headers of a request body and rejects
// timestamps further than tolerance from now.
func VerifyHeaders(secret string, payload []byte, timestampHeader, signature string, now time.Time, tolerance time.Duration) error {
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s header: %w", HeaderTimestamp, err)
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if tolerance > 0 && skew > tolerance {
		return fmt.Errorf("timestamp outside tolerance: %s", skew)
	}
	if !Verify(secret, payload, ts, signature) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
