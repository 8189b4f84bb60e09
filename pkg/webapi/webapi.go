// Package webapi defines the MT5 WebAPI wire conventions shared by all
// gateway components: the retcode result format, resource kinds, and the
// error taxonomy surfaced to callers.
package webapi

import (
	"encoding/json"
	"strings"
)

// Retcode is the MT5 result code, e.g. "0 Done" or "3 Invalid parameters".
// The server sends it as a JSON string or occasionally as a bare number,
// so decoding normalizes both forms to the textual representation.
type Retcode string

// UnmarshalJSON accepts both string and numeric retcode encodings.
func (r *Retcode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = Retcode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*r = Retcode(n.String())
	return nil
}

// OK reports whether the retcode signals success. The MT5 WebAPI success
// codes all have a textual form beginning with "0" ("0", "0 Done", ...).
func (r Retcode) OK() bool {
	return strings.HasPrefix(string(r), "0")
}

// AuthScoped reports whether the retcode indicates the session is no longer
// accepted by the server (expired or revoked authentication), as opposed to
// a request-level failure. These codes require a fresh handshake.
func (r Retcode) AuthScoped() bool {
	s := string(r)
	return strings.HasPrefix(s, "8") || strings.HasPrefix(s, "13")
}

// Kind identifies a category of cacheable upstream resource. Each kind has
// its own endpoint and cache TTL policy.
type Kind string

const (
	// KindUser is an account/user record (user/get).
	KindUser Kind = "user"

	// KindPosition is an open-position record (position/get). Positions
	// change continuously and get a shorter TTL than user records.
	KindPosition Kind = "position"
)

// Endpoint returns the upstream API path for the resource kind.
func (k Kind) Endpoint() string {
	switch k {
	case KindUser:
		return "user/get"
	case KindPosition:
		return "position/get"
	default:
		return string(k)
	}
}

// Cacheable reports whether results for this kind may be stored. Unknown
// kinds and mutation results are never cached.
func (k Kind) Cacheable() bool {
	switch k {
	case KindUser, KindPosition:
		return true
	default:
		return false
	}
}
