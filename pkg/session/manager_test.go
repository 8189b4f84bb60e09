package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/tradebridge/mt5-gateway/internal/testutil"
	"github.com/tradebridge/mt5-gateway/pkg/transport"
	"github.com/tradebridge/mt5-gateway/pkg/webapi"
)

const testPassword = "ApiDubai@2025"

func testCreds() Credentials {
	return Credentials{
		Login:    "47325",
		Password: testPassword,
		Agent:    "WebManager",
		Version:  1290,
	}
}

func newTestManager(t *testing.T, mock *testutil.MockMT5, cfg Config) *Manager {
	t.Helper()

	tc, err := transport.New(mock.URL(), transport.Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("transport.New failed: %v", err)
	}
	if cfg.Credentials.Login == "" {
		cfg.Credentials = testCreds()
	}
	m, err := NewManager(tc, cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestNewManager_Validation(t *testing.T) {
	if _, err := NewManager(nil, Config{Credentials: testCreds()}); err == nil {
		t.Error("expected error for nil transport")
	}

	tc, err := transport.New("http://localhost:1", transport.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(tc, Config{}); err == nil {
		t.Error("expected error for missing credentials")
	}
}

func TestAcquire_ColdSession(t *testing.T) {
	mock := testutil.NewMockMT5(testPassword)
	defer mock.Close()

	m := newTestManager(t, mock, Config{})

	sess, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if sess.State != StateAuthenticated {
		t.Errorf("state = %s, want authenticated", sess.State)
	}
	if !sess.Valid() {
		t.Error("fresh session should be valid")
	}
	if got := mock.Count("auth/start"); got != 1 {
		t.Errorf("auth/start calls = %d, want 1", got)
	}
	if got := mock.Count("auth/answer"); got != 1 {
		t.Errorf("auth/answer calls = %d, want 1", got)
	}
}

func TestAcquire_ReusesValidSession(t *testing.T) {
	mock := testutil.NewMockMT5(testPassword)
	defer mock.Close()

	m := newTestManager(t, mock, Config{})

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := mock.Count("auth/start"); got != 1 {
		t.Errorf("auth/start calls = %d, want 1 (second acquire must not re-handshake)", got)
	}
}

func TestAcquire_SingleFlight(t *testing.T) {
	mock := testutil.NewMockMT5(testPassword)
	defer mock.Close()

	m := newTestManager(t, mock, Config{})

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Acquire(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d got error: %v", i, err)
		}
	}
	if got := mock.Count("auth/start"); got != 1 {
		t.Errorf("auth/start calls = %d, want exactly 1 for %d concurrent acquires", got, n)
	}
	if got := mock.Count("auth/answer"); got != 1 {
		t.Errorf("auth/answer calls = %d, want exactly 1", got)
	}
}

func TestAcquire_SingleFlight_SharedFailure(t *testing.T) {
	mock := testutil.NewMockMT5(testPassword)
	defer mock.Close()
	mock.FailAuthWith("3 Invalid password")

	m := newTestManager(t, mock, Config{})

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Acquire(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if webapi.KindOf(err) != webapi.ErrorKindAuthRejected {
			t.Errorf("caller %d: kind = %q, want auth_rejected (err: %v)", i, webapi.KindOf(err), err)
		}
	}
	if got := mock.Count("auth/start"); got != 1 {
		t.Errorf("auth/start calls = %d, want 1 (failure must fan out, not re-trigger)", got)
	}
	if m.Current().State != StateInvalid {
		t.Errorf("state = %s, want invalid", m.Current().State)
	}
}

func TestAcquire_ExpiredSessionRenews(t *testing.T) {
	mock := testutil.NewMockMT5(testPassword)
	defer mock.Close()

	m := newTestManager(t, mock, Config{TTL: 50 * time.Millisecond})

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(80 * time.Millisecond)

	sess, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !sess.Valid() {
		t.Error("renewed session should be valid")
	}
	if got := mock.Count("auth/start"); got != 2 {
		t.Errorf("auth/start calls = %d, want 2 (expiry forces renewal)", got)
	}
}

func TestForceRefresh(t *testing.T) {
	mock := testutil.NewMockMT5(testPassword)
	defer mock.Close()

	m := newTestManager(t, mock, Config{})

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := m.Current().CreatedAt

	time.Sleep(5 * time.Millisecond)
	sess, err := m.ForceRefresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !sess.CreatedAt.After(first) {
		t.Error("ForceRefresh should create a fresh session")
	}
	if got := mock.Count("auth/start"); got != 2 {
		t.Errorf("auth/start calls = %d, want 2", got)
	}
}

func TestInvalidate_NextAcquireReauthenticates(t *testing.T) {
	mock := testutil.NewMockMT5(testPassword)
	defer mock.Close()

	m := newTestManager(t, mock, Config{})

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.Invalidate("auth_rejected")
	if m.Current().State != StateInvalid {
		t.Fatalf("state = %s, want invalid", m.Current().State)
	}
	// Invalidate must not itself re-authenticate.
	if got := mock.Count("auth/start"); got != 1 {
		t.Errorf("auth/start calls = %d after invalidate, want 1", got)
	}

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := mock.Count("auth/start"); got != 2 {
		t.Errorf("auth/start calls = %d, want 2", got)
	}
}

func TestHandshake_MissingServerRandom(t *testing.T) {
	mock := testutil.NewMockMT5(testPassword)
	defer mock.Close()
	mock.OmitServerRandom(true)

	m := newTestManager(t, mock, Config{})

	_, err := m.Acquire(context.Background())
	if webapi.KindOf(err) != webapi.ErrorKindProtocolViolation {
		t.Errorf("kind = %q, want protocol_violation (err: %v)", webapi.KindOf(err), err)
	}
	if got := mock.Count("auth/answer"); got != 0 {
		t.Errorf("auth/answer calls = %d, want 0 (handshake aborts at step one)", got)
	}
}

func TestHandshake_UpstreamDown(t *testing.T) {
	mock := testutil.NewMockMT5(testPassword)
	mock.Close() // Down before any call.

	m := newTestManager(t, mock, Config{})

	_, err := m.Acquire(context.Background())
	if webapi.KindOf(err) != webapi.ErrorKindUpstreamUnavailable {
		t.Errorf("kind = %q, want upstream_unavailable (err: %v)", webapi.KindOf(err), err)
	}

	var ge *webapi.Error
	if !errors.As(err, &ge) {
		t.Fatal("expected typed gateway error")
	}
}

func TestKeepAlive_SuccessStampsTimestamp(t *testing.T) {
	mock := testutil.NewMockMT5(testPassword)
	defer mock.Close()

	m := newTestManager(t, mock, Config{KeepAliveInterval: 20 * time.Millisecond})
	m.Start()
	defer m.Close()

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	stamped := m.Current().LastKeepAlive

	time.Sleep(70 * time.Millisecond)

	sess := m.Current()
	if sess.State != StateAuthenticated {
		t.Errorf("state = %s, want authenticated", sess.State)
	}
	if !sess.LastKeepAlive.After(stamped) {
		t.Error("keep-alive should advance LastKeepAlive")
	}
}

func TestKeepAlive_FailureInvalidates(t *testing.T) {
	mock := testutil.NewMockMT5(testPassword)
	defer mock.Close()

	m := newTestManager(t, mock, Config{KeepAliveInterval: 20 * time.Millisecond})
	m.Start()
	defer m.Close()

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	mock.DropSession()
	time.Sleep(70 * time.Millisecond)

	if got := m.Current().State; got != StateInvalid {
		t.Errorf("state = %s, want invalid after failed probe", got)
	}
	// The loop must not re-authenticate on its own.
	if got := mock.Count("auth/start"); got != 1 {
		t.Errorf("auth/start calls = %d, want 1 (no background retry)", got)
	}
}

func TestKeepAlive_StaleProbeDoesNotKillRefreshedSession(t *testing.T) {
	mock := testutil.NewMockMT5(testPassword)
	defer mock.Close()

	release := make(chan struct{})
	mock.SetHandler("time/server", func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, `{"retcode":"13 Invalid session"}`)
	})

	m := newTestManager(t, mock, Config{})

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	probeDone := make(chan struct{})
	go func() {
		defer close(probeDone)
		m.probe()
	}()
	deadline := time.Now().Add(2 * time.Second)
	for mock.Count("time/server") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("probe request never reached the upstream")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A handshake replaces the session while the probe is still in flight.
	// The probe carries the old session cookie, so its rejection says
	// nothing about the new session.
	if _, err := m.ForceRefresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	close(release)
	<-probeDone

	sess := m.Current()
	if sess.State != StateAuthenticated {
		t.Errorf("state = %s, want authenticated after stale probe rejection", sess.State)
	}
	if !sess.Valid() {
		t.Error("refreshed session should remain valid")
	}
	if got := mock.Count("auth/start"); got != 2 {
		t.Errorf("auth/start calls = %d, want 2", got)
	}
}

func TestClose_WithoutStart(t *testing.T) {
	mock := testutil.NewMockMT5(testPassword)
	defer mock.Close()

	m := newTestManager(t, mock, Config{})
	m.Close() // Must not block.
}
