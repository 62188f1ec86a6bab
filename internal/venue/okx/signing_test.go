package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/ledgerline/tradecore/internal/venue"
)

func TestSignMatchesHMACSHA256Base64(t *testing.T) {
	creds := venue.Credentials{SecretKey: "secret-key"}
	got := sign(creds, "2023-01-01T00:00:00.000Z", "GET", "/api/v5/account/balance", "")

	mac := hmac.New(sha256.New, []byte("secret-key"))
	mac.Write([]byte("2023-01-01T00:00:00.000Z" + "GET" + "/api/v5/account/balance" + ""))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if got != want {
		t.Errorf("sign() = %q, want %q", got, want)
	}
}

func TestSignVariesWithBody(t *testing.T) {
	creds := venue.Credentials{SecretKey: "secret-key"}
	a := sign(creds, "ts", "POST", "/api/v5/trade/order", `{"sz":"1"}`)
	b := sign(creds, "ts", "POST", "/api/v5/trade/order", `{"sz":"2"}`)
	if a == b {
		t.Error("expected different request bodies to produce different signatures")
	}
}

func TestRestTimestampFormatsISO8601Millis(t *testing.T) {
	ts := time.Date(2023, 6, 15, 12, 30, 45, 123_000_000, time.UTC)
	got := restTimestamp(ts)
	want := "2023-06-15T12:30:45.123Z"
	if got != want {
		t.Errorf("restTimestamp() = %q, want %q", got, want)
	}
}

func TestWSLoginSignMatchesHMACSHA256Base64(t *testing.T) {
	creds := venue.Credentials{SecretKey: "ws-secret"}
	got := wsLoginSign(creds, "1686831045")

	mac := hmac.New(sha256.New, []byte("ws-secret"))
	mac.Write([]byte("1686831045" + "GET" + "/users/self/verify"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if got != want {
		t.Errorf("wsLoginSign() = %q, want %q", got, want)
	}
}
