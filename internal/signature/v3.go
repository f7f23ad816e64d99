package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SignV3 computes the chained HMAC-SHA256 signature used by the v3 HTTP
// endpoint family. The signing key is derived in three steps from the
// access secret before signing the canonical string.
func SignV3(accessSecret, service string, date time.Time, stringToSign string) string {
	day := date.UTC().Format("2006-01-02")
	secretDate := hmacSHA256([]byte("TC3"+accessSecret), day)
	secretService := hmacSHA256(secretDate, service)
	secretSigning := hmacSHA256(secretService, "tc3_request")
	return hex.EncodeToString(hmacSHA256(secretSigning, stringToSign))
}

// StringToSignV3 builds the canonical string for SignV3 from a hashed
// canonical request.
func StringToSignV3(service string, date time.Time, hashedCanonicalRequest string) string {
	day := date.UTC().Format("2006-01-02")
	scope := fmt.Sprintf("%s/%s/tc3_request", day, service)
	return strings.Join([]string{
		"TC3-HMAC-SHA256",
		fmt.Sprintf("%d", date.Unix()),
		scope,
		hashedCanonicalRequest,
	}, "\n")
}

// HashCanonicalRequest hex-encodes the SHA-256 digest of a canonical request.
func HashCanonicalRequest(canonicalRequest string) string {
	sum := sha256.Sum256([]byte(canonicalRequest))
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
