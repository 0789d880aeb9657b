package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"mend/internal/faults"
)

// VerifyHMAC checks a hex-encoded HMAC-SHA256 signature over the raw body.
// Comparison is constant-time. An optional "sha256=" prefix is accepted.
func VerifyHMAC(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return faults.New(faults.KindAuthentication, "no webhook secret configured")
	}
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return faults.New(faults.KindAuthentication, "malformed signature")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return faults.New(faults.KindAuthentication, "signature mismatch")
	}
	return nil
}

// chatReplayWindow bounds how stale a chat delivery's timestamp may be.
const chatReplayWindow = 5 * time.Minute

// VerifyTimestamped checks the chat provider's scheme: the signature covers
// "v0:<timestamp>:<body>" and the timestamp must be inside the replay window.
func VerifyTimestamped(secret, body []byte, timestamp, signature string, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return faults.New(faults.KindAuthentication, "malformed timestamp")
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > chatReplayWindow || age < -chatReplayWindow {
		return faults.New(faults.KindAuthentication, "timestamp outside replay window")
	}
	base := make([]byte, 0, len(body)+len(timestamp)+4)
	base = append(base, "v0:"...)
	base = append(base, timestamp...)
	base = append(base, ':')
	base = append(base, body...)
	return VerifyHMAC(secret, base, signature)
}
