package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// sign computes the Binance REST signature: hex(HMAC-SHA256(secret,
// queryString)). The caller appends the resulting "&signature=..." param.
func sign(secretKey, queryString string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}
