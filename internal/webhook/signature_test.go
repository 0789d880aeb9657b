package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"mend/internal/faults"
)

func signHMAC(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signTimestamped(secret, body []byte, ts time.Time) (timestamp, signature string) {
	timestamp = strconv.FormatInt(ts.Unix(), 10)
	base := append([]byte("v0:"+timestamp+":"), body...)
	return timestamp, signHMAC(secret, base)
}

func TestVerifyHMAC(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"event_id":"ev-1"}`)
	sig := signHMAC(secret, body)

	if err := VerifyHMAC(secret, body, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifyHMAC(secret, body, "sha256="+sig); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}

	if err := VerifyHMAC(secret, []byte("tampered"), sig); !faults.Is(err, faults.KindAuthentication) {
		t.Fatalf("tampered body: want authentication, got %v", err)
	}
	if err := VerifyHMAC(secret, body, "not-hex"); !faults.Is(err, faults.KindAuthentication) {
		t.Fatalf("malformed signature: want authentication, got %v", err)
	}
	if err := VerifyHMAC(nil, body, sig); !faults.Is(err, faults.KindAuthentication) {
		t.Fatalf("missing secret: want authentication, got %v", err)
	}
}

func TestVerifyTimestampedReplayWindow(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"text":"@agent status"}`)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	ts, sig := signTimestamped(secret, body, now.Add(-time.Minute))
	if err := VerifyTimestamped(secret, body, ts, sig, now); err != nil {
		t.Fatalf("fresh delivery rejected: %v", err)
	}

	// A correctly signed but stale delivery is a replay.
	ts, sig = signTimestamped(secret, body, now.Add(-6*time.Minute))
	if err := VerifyTimestamped(secret, body, ts, sig, now); !faults.Is(err, faults.KindAuthentication) {
		t.Fatalf("stale delivery: want authentication, got %v", err)
	}

	ts, sig = signTimestamped(secret, body, now.Add(6*time.Minute))
	if err := VerifyTimestamped(secret, body, ts, sig, now); !faults.Is(err, faults.KindAuthentication) {
		t.Fatalf("future delivery: want authentication, got %v", err)
	}

	if err := VerifyTimestamped(secret, body, "yesterday", sig, now); !faults.Is(err, faults.KindAuthentication) {
		t.Fatalf("malformed timestamp: want authentication, got %v", err)
	}
}
