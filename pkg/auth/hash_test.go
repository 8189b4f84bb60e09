package auth

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/tradebridge/mt5-gateway/pkg/webapi"
)

// Vectors computed independently with the documented MD5 chain.
const (
	testSecret    = "ApiDubai@2025"
	testChallenge = "0123456789abcdef0123456789abcdef"
	testAnswer    = "67a1e3550623348f4d37bbb90d3134d3"
)

func TestPasswordHash(t *testing.T) {
	tests := []struct {
		secret string
		want   string
	}{
		{testSecret, "7878c7a89f2b99d36dcc567a5ac30d5b"},
		{"secret", "79f9f136c2168e4162573b5be9debef4"},
	}

	for _, tt := range tests {
		got := hex.EncodeToString(PasswordHash(tt.secret))
		if got != tt.want {
			t.Errorf("PasswordHash(%q) = %s, want %s", tt.secret, got, tt.want)
		}
	}
}

func TestComputeAnswer_KnownVector(t *testing.T) {
	got, err := ComputeAnswer(testSecret, testChallenge)
	if err != nil {
		t.Fatalf("ComputeAnswer failed: %v", err)
	}
	if got != testAnswer {
		t.Errorf("answer = %s, want %s", got, testAnswer)
	}

	// Different challenge, different answer.
	got2, err := ComputeAnswer(testSecret, "ffeeddccbbaa99887766554433221100")
	if err != nil {
		t.Fatalf("ComputeAnswer failed: %v", err)
	}
	if got2 != "5dccc55906bd96f3ea0143a98d4d3ce2" {
		t.Errorf("answer = %s, want 5dccc55906bd96f3ea0143a98d4d3ce2", got2)
	}
}

func TestComputeAnswer_Deterministic(t *testing.T) {
	a, err := ComputeAnswer(testSecret, testChallenge)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ComputeAnswer(testSecret, testChallenge)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("answer not deterministic: %s vs %s", a, b)
	}
}

func TestComputeAnswer_MalformedChallenge(t *testing.T) {
	_, err := ComputeAnswer(testSecret, "not-hex")
	if err == nil {
		t.Fatal("expected error for malformed challenge")
	}
	var ge *webapi.Error
	if !errors.As(err, &ge) || ge.Kind != webapi.ErrorKindProtocolViolation {
		t.Errorf("expected protocol violation, got %v", err)
	}
}

func TestNewClientNonce(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		nonce, err := NewClientNonce()
		if err != nil {
			t.Fatalf("NewClientNonce failed: %v", err)
		}
		raw, err := hex.DecodeString(nonce)
		if err != nil {
			t.Fatalf("nonce %q is not hex: %v", nonce, err)
		}
		if len(raw) != 16 {
			t.Fatalf("nonce length = %d bytes, want 16", len(raw))
		}
		if seen[nonce] {
			t.Fatalf("nonce %q repeated", nonce)
		}
		seen[nonce] = true
	}
}

func TestValidateServerAuth(t *testing.T) {
	const cliRand = "00112233445566778899aabbccddeeff"
	const cliRandAnswer = "900b01dd98dbad5af379ee439cd3a58a"

	if !ValidateServerAuth(testSecret, cliRand, cliRandAnswer) {
		t.Error("valid server answer rejected")
	}
	if ValidateServerAuth(testSecret, cliRand, "00000000000000000000000000000000") {
		t.Error("bogus server answer accepted")
	}
	if ValidateServerAuth(testSecret, "zz", cliRandAnswer) {
		t.Error("malformed cli_rand accepted")
	}
}
