package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/ledgerline/tradecore/internal/venue"
)

// sign computes the OKX REST signature: base64(HMAC-SHA256(secret,
// timestamp+method+path+body)).
func sign(creds venue.Credentials, timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(creds.SecretKey))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// restTimestamp formats the ISO-8601 millisecond timestamp OKX expects
// in the OK-ACCESS-TIMESTAMP header.
func restTimestamp(now time.Time) string {
	return now.UTC().Format("2006-01-02T15:04:05.000Z")
}

// wsLoginSign computes the private-WS login signature: base64(HMAC-SHA256
// (secret, timestamp+"GET"+"/users/self/verify")).
func wsLoginSign(creds venue.Credentials, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(creds.SecretKey))
	mac.Write([]byte(timestamp + "GET" + "/users/self/verify"))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
