// Package testutil provides a configurable mock MT5 WebAPI server for
// testing. It implements the real challenge-response handshake server-side
// so handshake code paths are exercised end to end.
package testutil

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/tradebridge/mt5-gateway/pkg/auth"
)

// MockResponse defines a canned response for a resource endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
}

// MockMT5 is a configurable mock MT5 WebAPI server.
type MockMT5 struct {
	server   *httptest.Server
	password string

	mu             sync.Mutex
	handlers       map[string]http.HandlerFunc
	counts         map[string]int
	expectedAnswer string
	sessionCookie  string
	rejectResource int
	rejectRetcode  string
	failAuthWith   string
	omitSrvRand    bool
	requireSession bool
}

// NewMockMT5 creates a mock server that authenticates the given password.
func NewMockMT5(password string) *MockMT5 {
	m := &MockMT5{
		password:       password,
		handlers:       make(map[string]http.HandlerFunc),
		counts:         make(map[string]int),
		requireSession: true,
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.route))
	return m
}

// URL returns the mock server base URL.
func (m *MockMT5) URL() string { return m.server.URL }

// Close shuts down the mock server.
func (m *MockMT5) Close() { m.server.Close() }

// Count returns the number of requests seen for an /api/ endpoint path
// such as "auth/start" or "user/get".
func (m *MockMT5) Count(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[endpoint]
}

// TotalRequests returns the number of requests across all endpoints.
func (m *MockMT5) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.counts {
		total += n
	}
	return total
}

// SetHandler installs a custom handler for an endpoint path.
func (m *MockMT5) SetHandler(endpoint string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[endpoint] = handler
}

// SetResponse installs a canned response for an endpoint path.
func (m *MockMT5) SetResponse(endpoint string, resp MockResponse) {
	m.SetHandler(endpoint, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(resp.StatusCode)
		fmt.Fprint(w, resp.Body)
	})
}

// FailAuthWith makes auth/answer reject with the given retcode.
func (m *MockMT5) FailAuthWith(retcode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAuthWith = retcode
}

// OmitServerRandom makes auth/start omit the srv_rand field.
func (m *MockMT5) OmitServerRandom(omit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.omitSrvRand = omit
}

// RejectNextResource makes the next n non-auth calls answer with the given
// retcode regardless of session state.
func (m *MockMT5) RejectNextResource(n int, retcode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectResource = n
	m.rejectRetcode = retcode
}

// DropSession forgets the server-side session so subsequent resource calls
// fail the cookie check until the client re-authenticates.
func (m *MockMT5) DropSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionCookie = ""
}

func (m *MockMT5) route(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimPrefix(r.URL.Path, "/api/")

	m.mu.Lock()
	m.counts[endpoint]++
	handler := m.handlers[endpoint]
	m.mu.Unlock()

	switch endpoint {
	case "auth/start":
		m.handleAuthStart(w, r)
		return
	case "auth/answer":
		m.handleAuthAnswer(w, r)
		return
	}

	if handler != nil {
		handler(w, r)
		return
	}
	m.handleResource(w, r)
}

func (m *MockMT5) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	srvRand := hex.EncodeToString(buf)

	expected, _ := auth.ComputeAnswer(m.password, srvRand)

	m.mu.Lock()
	m.expectedAnswer = expected
	omit := m.omitSrvRand
	m.mu.Unlock()

	if omit {
		fmt.Fprint(w, `{"retcode":"0 Done"}`)
		return
	}
	fmt.Fprintf(w, `{"retcode":"0 Done","srv_rand":"%s"}`, srvRand)
}

func (m *MockMT5) handleAuthAnswer(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	expected := m.expectedAnswer
	failWith := m.failAuthWith
	m.mu.Unlock()

	if failWith != "" {
		fmt.Fprintf(w, `{"retcode":"%s"}`, failWith)
		return
	}

	answer := r.URL.Query().Get("srv_rand_answer")
	cliRand := r.URL.Query().Get("cli_rand")
	if expected == "" || answer != expected {
		fmt.Fprint(w, `{"retcode":"3 Invalid parameters"}`)
		return
	}

	// Session rides on a cookie, like the real server.
	cookieBuf := make([]byte, 8)
	_, _ = rand.Read(cookieBuf)
	cookie := hex.EncodeToString(cookieBuf)

	m.mu.Lock()
	m.sessionCookie = cookie
	m.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "Session", Value: cookie, Path: "/"})
	fmt.Fprintf(w, `{"retcode":"0 Done","cli_rand_answer":"%s"}`, m.cliRandAnswer(cliRand))
}

// cliRandAnswer computes the mutual-auth proof for the client's nonce.
func (m *MockMT5) cliRandAnswer(cliRandHex string) string {
	cliRand, err := hex.DecodeString(cliRandHex)
	if err != nil {
		return ""
	}
	sum := md5.Sum(append(auth.PasswordHash(m.password), cliRand...))
	return hex.EncodeToString(sum[:])
}

func (m *MockMT5) handleResource(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	if m.rejectResource > 0 {
		m.rejectResource--
		rc := m.rejectRetcode
		m.mu.Unlock()
		fmt.Fprintf(w, `{"retcode":"%s"}`, rc)
		return
	}
	cookie := m.sessionCookie
	require := m.requireSession
	m.mu.Unlock()

	if require {
		c, err := r.Cookie("Session")
		if err != nil || cookie == "" || c.Value != cookie {
			fmt.Fprint(w, `{"retcode":"13 Invalid session"}`)
			return
		}
	}

	fmt.Fprint(w, `{"retcode":"0 Done","answer":{}}`)
}
