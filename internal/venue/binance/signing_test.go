package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestSignMatchesHMACSHA256Hex(t *testing.T) {
	got := sign("secret-key", "symbol=BTCUSDT&side=BUY&type=LIMIT&timestamp=1686831045000")

	mac := hmac.New(sha256.New, []byte("secret-key"))
	mac.Write([]byte("symbol=BTCUSDT&side=BUY&type=LIMIT&timestamp=1686831045000"))
	want := hex.EncodeToString(mac.Sum(nil))

	if got != want {
		t.Errorf("sign() = %q, want %q", got, want)
	}
}

func TestSignVariesWithQueryString(t *testing.T) {
	a := sign("secret-key", "symbol=BTCUSDT&side=BUY")
	b := sign("secret-key", "symbol=BTCUSDT&side=SELL")
	if a == b {
		t.Error("expected different query strings to produce different signatures")
	}
}

func TestSignVariesWithSecret(t *testing.T) {
	a := sign("secret-one", "symbol=BTCUSDT")
	b := sign("secret-two", "symbol=BTCUSDT")
	if a == b {
		t.Error("expected different secrets to produce different signatures")
	}
}
