package hub

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SignToken issues a connection token for uid in the form "<uid>.<sig>",
// where sig is the hex HMAC-SHA256 of uid under secret.
func SignToken(secret, uid string) string {
	return uid + "." + sign(secret, uid)
}

// VerifyToken checks a token produced by SignToken and returns its uid.
// Uses constant-time comparison.
func VerifyToken(token, secret string) (string, bool) {
	if token == "" || secret == "" {
		return "", false
	}
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", false
	}
	uid, sig := token[:i], token[i+1:]
	expected := sign(secret, uid)
	if len(sig) != len(expected) {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return "", false
	}
	return uid, true
}

func sign(secret, uid string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(uid))
	return hex.EncodeToString(mac.Sum(nil))
}
