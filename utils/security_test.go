// basement/utils/security_test.go
package utils

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func withSalt(t *testing.T, salt string) {
	old := ServerSalt
	ServerSalt = salt
	t.Cleanup(func() { ServerSalt = old })
}

// TestDeriveAnonID checks the daily rotation and stability of anonymous IDs.
func TestDeriveAnonID(t *testing.T) {
	withSalt(t, "test-salt")
	wallet := "0xAbC0000000000000000000000000000000000001"
	morning := time.Date(2025, 3, 14, 0, 0, 1, 0, time.UTC)
	evening := time.Date(2025, 3, 14, 23, 59, 59, 0, time.UTC)
	nextDay := morning.Add(24 * time.Hour)

	id := DeriveAnonID(wallet, morning)
	if len(id) != 8 {
		t.Fatalf("Expected an 8 character ID, got %q", id)
	}
	if got := DeriveAnonID(wallet, evening); got != id {
		t.Errorf("Expected the same ID all day, got %q and %q", id, got)
	}
	if got := DeriveAnonID(strings.ToLower(wallet), morning); got != id {
		t.Errorf("Expected wallet case to be ignored, got %q and %q", id, got)
	}
	if got := DeriveAnonID(wallet, nextDay); got == id {
		t.Errorf("Expected a new ID on the next day, got %q both days", got)
	}
	if got := DeriveAnonID("0xabc0000000000000000000000000000000000002", morning); got == id {
		t.Error("Expected different wallets to get different IDs")
	}

	// A non-UTC time on the same UTC day maps to the same ID.
	est := time.FixedZone("EST", -5*3600)
	if got := DeriveAnonID(wallet, time.Date(2025, 3, 14, 18, 0, 0, 0, est)); got != id {
		t.Errorf("Expected the UTC date to decide the ID, got %q want %q", got, id)
	}

	if got := DeriveAnonID("", morning); got != AnonymousID {
		t.Errorf("Expected %q for an empty wallet, got %q", AnonymousID, got)
	}

	ServerSalt = "other-salt"
	if got := DeriveAnonID(wallet, morning); got == id {
		t.Error("Expected the salt to change the ID")
	}
}

// TestDeriveTripcode validates that tripcodes are stable, shaped, and distinct.
func TestDeriveTripcode(t *testing.T) {
	withSalt(t, "test-salt")

	testCases := []struct {
		name   string
		secret string
		empty  bool
	}{
		{name: "Simple Secret", secret: "password"},
		{name: "Secret With Spaces", secret: " trip pass "},
		{name: "Unicode Secret", secret: "パスワード"},
		{name: "Empty Secret", secret: "", empty: true},
		{name: "Whitespace Secret", secret: "   ", empty: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			trip := DeriveTripcode(tc.secret)
			if tc.empty {
				if trip != "" {
					t.Errorf("Expected no tripcode, got %q", trip)
				}
				return
			}
			if !IsValidTripcode(trip) {
				t.Errorf("Tripcode %q does not have the expected shape", trip)
			}
			if again := DeriveTripcode(tc.secret); again != trip {
				t.Errorf("Expected a stable tripcode, got %q then %q", trip, again)
			}
		})
	}

	t.Run("No Collisions In Corpus", func(t *testing.T) {
		seen := make(map[string]string)
		for _, s := range []string{"a", "b", "alpha", "beta", "hunter2", "correct horse", "Password", "password", "pass word"} {
			trip := DeriveTripcode(s)
			if prev, ok := seen[trip]; ok {
				t.Fatalf("Secrets %q and %q both produced %q", prev, s, trip)
			}
			seen[trip] = s
		}
	})
}

// TestHashIP ensures that hashing is consistent and produces the expected format.
func TestHashIP(t *testing.T) {
	withSalt(t, "test-salt-for-predictable-hashes")

	hash := HashIP("192.168.1.1")
	if len(hash) != 32 {
		t.Errorf("Expected hash length to be 32, but got %d", len(hash))
	}
	if strings.Contains(hash, "192") {
		t.Error("Hash should not contain the raw address")
	}
	if hash2 := HashIP("192.168.1.1"); hash != hash2 {
		t.Error("Hashing the same input twice produced different results")
	}
	if hash3 := HashIP("127.0.0.1"); hash == hash3 {
		t.Error("Hashing different inputs produced the same result")
	}
}

func TestIsValidWalletAddress(t *testing.T) {
	testCases := []struct {
		addr string
		want bool
	}{
		{"0x52908400098527886E0F7030069857D2E4169EE7", true},
		{"0xde709f2102306220921060314715629080e2fb77", true},
		{"52908400098527886E0F7030069857D2E4169EE7", false},
		{"0x52908400098527886E0F7030069857D2E4169EE", false},
		{"0x52908400098527886E0F7030069857D2E4169EEZ", false},
		{"", false},
	}
	for _, tc := range testCases {
		if got := IsValidWalletAddress(tc.addr); got != tc.want {
			t.Errorf("IsValidWalletAddress(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

// TestChecksumAddress uses the reference vectors from EIP-55.
func TestChecksumAddress(t *testing.T) {
	vectors := []string{
		"0x52908400098527886E0F7030069857D2E4169EE7",
		"0x8617E340B3D01FA5F11F306F4090FD50E238070D",
		"0xde709f2102306220921060314715629080e2fb77",
		"0x27b1fdb04752bbc536007a920d24acb045561c26",
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for _, want := range vectors {
		if got := ChecksumAddress(strings.ToLower(want)); got != want {
			t.Errorf("ChecksumAddress(%q) = %q, want %q", strings.ToLower(want), got, want)
		}
	}
	if got := ChecksumAddress("not-an-address"); got != "not-an-address" {
		t.Errorf("Expected invalid input to be returned unchanged, got %q", got)
	}
}

func TestGetIPAddress(t *testing.T) {
	testCases := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"Remote Addr", "8.8.8.8:12345", nil, "8.8.8.8"},
		{"IPv6 Remote Addr", "[::1]:12345", nil, "::1"},
		{"X-Real-IP", "10.0.0.1:1", map[string]string{"X-Real-IP": "1.2.3.4"}, "1.2.3.4"},
		{"X-Forwarded-For First Hop", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "5.6.7.8, 10.0.0.2"}, "5.6.7.8"},
		{"Cloudflare Wins", "10.0.0.1:1", map[string]string{"CF-Connecting-IP": "9.9.9.9", "X-Real-IP": "1.2.3.4"}, "9.9.9.9"},
		{"Malformed Remote", "not-an-ip", nil, "not-an-ip"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := GetIPAddress(req); got != tc.want {
				t.Errorf("Expected %q, got %q", tc.want, got)
			}
		})
	}
}
