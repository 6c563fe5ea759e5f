// basement/utils/security.go
package utils

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// AnonymousID is shown for posters without a wallet.
const AnonymousID = "Anonymous"

var (
	ServerSalt string

	walletRegex   = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	tripcodeRegex = regexp.MustCompile(`^![A-Za-z0-9_-]{6}$`)
)

// GetIPAddress extracts the real IP address from a request, trusting proxy headers first.
func GetIPAddress(r *http.Request) string {
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return cf
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// HashIP creates a salted SHA256 hash of an IP address and returns a truncated hex string.
func HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + ServerSalt))
	return hex.EncodeToString(hash[:16])
}

// DeriveAnonID returns the poster's anonymous ID for the UTC day containing asOf.
// The same wallet maps to the same ID all day and to a fresh one the next.
func DeriveAnonID(wallet string, asOf time.Time) string {
	if wallet == "" {
		return AnonymousID
	}
	day := asOf.UTC().Format("2006-01-02")
	hash := sha256.Sum256([]byte(strings.ToLower(wallet) + ServerSalt + day))
	return hex.EncodeToString(hash[:])[:8]
}

// DeriveTripcode turns a secret into a short public signature such as "!k3f89A".
func DeriveTripcode(secret string) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(secret + ServerSalt))
	return "!" + base64.RawURLEncoding.EncodeToString(hash[:])[:6]
}

// IsValidTripcode reports whether sig has the shape produced by DeriveTripcode.
func IsValidTripcode(sig string) bool {
	return tripcodeRegex.MatchString(sig)
}

// IsValidWalletAddress checks for a 0x-prefixed 20 byte hex address.
func IsValidWalletAddress(addr string) bool {
	return walletRegex.MatchString(addr)
}

// ChecksumAddress renders a wallet address in EIP-55 mixed-case form.
// Invalid input is returned unchanged.
func ChecksumAddress(addr string) string {
	if !IsValidWalletAddress(addr) {
		return addr
	}
	lower := strings.ToLower(addr[2:])
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	out := []byte(lower)
	for i, c := range out {
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			out[i] = c - 32
		}
	}
	return "0x" + string(out)
}
