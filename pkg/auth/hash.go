// Package auth implements the MT5 WebAPI challenge-response credential
// hashing. The algorithm must match the server bit-for-bit:
//
//	pwd_hash   = MD5( MD5(UTF16LE(password)) + "WebAPI" )
//	srv_answer = hex( MD5( pwd_hash + hexdecode(srv_rand) ) )
//	cli_rand   = hex( 16 random bytes )
//
// The package is pure: no state, no I/O beyond the nonce's entropy source.
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"unicode/utf16"

	"github.com/tradebridge/mt5-gateway/pkg/webapi"
)

// webAPISalt is the literal the server folds into the password hash.
var webAPISalt = []byte("WebAPI")

// PasswordHash derives the password-derived key from the shared secret.
func PasswordHash(secret string) []byte {
	inner := md5.Sum(utf16le(secret))
	outer := md5.Sum(append(inner[:], webAPISalt...))
	return outer[:]
}

// ComputeAnswer computes the hex-encoded challenge answer for a server
// random. srvRandHex is the hex-encoded challenge from auth/start; a
// malformed value is a protocol violation.
func ComputeAnswer(secret, srvRandHex string) (string, error) {
	srvRand, err := hex.DecodeString(srvRandHex)
	if err != nil {
		return "", webapi.ProtocolViolation(fmt.Sprintf("malformed srv_rand %q: %v", srvRandHex, err))
	}
	sum := md5.Sum(append(PasswordHash(secret), srvRand...))
	return hex.EncodeToString(sum[:]), nil
}

// NewClientNonce returns 16 cryptographically random bytes, hex encoded,
// for the cli_rand handshake parameter.
func NewClientNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate client nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidateServerAuth checks the server's cli_rand_answer against the value
// expected for our client nonce, proving the server also knows the secret.
func ValidateServerAuth(secret, cliRandHex, cliRandAnswer string) bool {
	cliRand, err := hex.DecodeString(cliRandHex)
	if err != nil {
		return false
	}
	sum := md5.Sum(append(PasswordHash(secret), cliRand...))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(cliRandAnswer)) == 1
}

// utf16le encodes s as UTF-16 little-endian bytes, matching the server's
// expectation for the password digest input.
func utf16le(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return buf
}
