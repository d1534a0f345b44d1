package syno

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/synoproxy/synoproxy/internal/clock"
	"github.com/synoproxy/synoproxy/internal/config"
	"github.com/synoproxy/synoproxy/internal/logging"
	"github.com/synoproxy/synoproxy/internal/secrets"
)

// fakeDSM scripts the NAS entry endpoint: login attempts go through
// loginFn and liveness probes answer probeOK.
type fakeDSM struct {
	mu      sync.Mutex
	logins  []url.Values
	loginFn func(q url.Values) (any, *APIError)
	probeOK bool
}

func (f *fakeDSM) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch q.Get("api") {
		case "SYNO.API.Auth":
			f.mu.Lock()
			f.logins = append(f.logins, q)
			fn := f.loginFn
			f.mu.Unlock()
			data, apiErr := fn(q)
			if apiErr != nil {
				writeFailure(w, apiErr.Code, apiErr.Message)
				return
			}
			writeSuccess(w, data)
		case "SYNO.Core.System":
			f.mu.Lock()
			ok := f.probeOK
			f.mu.Unlock()
			if ok {
				writeSuccess(w, map[string]any{"model": "DS920+"})
			} else {
				writeFailure(w, 119, "SID not found")
			}
		default:
			writeFailure(w, 101, "unknown api")
		}
	}
}

func (f *fakeDSM) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logins)
}

func (f *fakeDSM) lastLogin() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.logins) == 0 {
		return nil
	}
	return f.logins[len(f.logins)-1]
}

func newTestManager(t *testing.T, srvURL string) (*SessionManager, *secrets.Store, *clock.MockClock) {
	t.Helper()
	key := bytes.Repeat([]byte{0x33}, secrets.KeySize)
	store := secrets.NewStore(filepath.Join(t.TempDir(), "session.enc"), key)
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.SynologyConfig{
		URL:        srvURL,
		Username:   "nas-admin",
		Password:   "nas-pass",
		DeviceName: "test-box",
		SessionTTL: 6 * 24 * time.Hour,
	}
	mgr := NewSessionManager(NewClient(srvURL), cfg, store, logging.Default(), clk)
	return mgr, store, clk
}

func TestFirstLoginSuccessWithOtp(t *testing.T) {
	dsm := &fakeDSM{
		loginFn: func(q url.Values) (any, *APIError) {
			if q.Get("otp_code") != "123456" {
				return nil, &APIError{Code: 403, Message: "OTP required"}
			}
			if q.Get("enable_device_token") != "yes" || q.Get("device_name") != "test-box" {
				return nil, &APIError{Code: 100, Message: "bad params"}
			}
			return map[string]any{"sid": "sid-1", "did": "did-1", "synotoken": "tok-1"}, nil
		},
	}
	srv := httptest.NewServer(dsm.handler())
	defer srv.Close()

	mgr, store, _ := newTestManager(t, srv.URL)
	result, err := mgr.FirstLogin(context.Background(), "123456")
	if err != nil {
		t.Fatalf("FirstLogin: %v", err)
	}
	if !result.DeviceTokenSaved || result.RetriedWithoutOtp || result.AlreadyTrusted {
		t.Errorf("result = %+v", result)
	}

	var sess Session
	if res := store.LoadJSON(&sess); res.State != secrets.Loaded {
		t.Fatalf("session not persisted: %v", res.State)
	}
	if sess.SID != "sid-1" || sess.DeviceID != "did-1" || sess.SynoToken != "tok-1" {
		t.Errorf("persisted session = %+v", sess)
	}
}

func TestFirstLoginRetriesWithoutOtp(t *testing.T) {
	// Account without 2FA: the attempt carrying otp_code fails with an
	// ambiguous error, the retry without it succeeds.
	dsm := &fakeDSM{
		loginFn: func(q url.Values) (any, *APIError) {
			if q.Get("otp_code") != "" {
				return nil, &APIError{Code: 100, Message: "unexpected parameter"}
			}
			return map[string]any{"sid": "sid-2", "did": "did-2"}, nil
		},
	}
	srv := httptest.NewServer(dsm.handler())
	defer srv.Close()

	mgr, _, _ := newTestManager(t, srv.URL)
	result, err := mgr.FirstLogin(context.Background(), "123456")
	if err != nil {
		t.Fatalf("FirstLogin: %v", err)
	}
	if !result.RetriedWithoutOtp {
		t.Error("retry not reported")
	}
	if dsm.loginCount() != 2 {
		t.Errorf("login calls = %d, want 2", dsm.loginCount())
	}
}

func TestFirstLoginNoRetryOnBadCredentials(t *testing.T) {
	dsm := &fakeDSM{
		loginFn: func(q url.Values) (any, *APIError) {
			return nil, &APIError{Code: 400, Message: "no such account"}
		},
	}
	srv := httptest.NewServer(dsm.handler())
	defer srv.Close()

	mgr, _, _ := newTestManager(t, srv.URL)
	_, err := mgr.FirstLogin(context.Background(), "123456")
	if err == nil {
		t.Fatal("expected error")
	}
	if ClassifyLogin(err) != LoginInvalidCredentials {
		t.Errorf("classification = %v", ClassifyLogin(err))
	}
	// Wrong credentials stay wrong without the OTP; exactly one attempt.
	if dsm.loginCount() != 1 {
		t.Errorf("login calls = %d, want 1", dsm.loginCount())
	}
}

func TestFirstLoginAlreadyTrusted(t *testing.T) {
	dsm := &fakeDSM{probeOK: true}
	dsm.loginFn = func(q url.Values) (any, *APIError) {
		return nil, &APIError{Code: 100, Message: "should not be called"}
	}
	srv := httptest.NewServer(dsm.handler())
	defer srv.Close()

	mgr, store, clk := newTestManager(t, srv.URL)
	store.SaveJSON(&Session{SID: "sid-live", DeviceID: "did-live", ExpiresAt: clk.Now().Add(time.Hour)})

	result, err := mgr.FirstLogin(context.Background(), "")
	if err != nil {
		t.Fatalf("FirstLogin: %v", err)
	}
	if !result.AlreadyTrusted {
		t.Errorf("result = %+v", result)
	}
	if dsm.loginCount() != 0 {
		t.Error("upstream login performed despite trusted session")
	}
}

func TestObtainWithoutAnyStateFails(t *testing.T) {
	dsm := &fakeDSM{loginFn: func(q url.Values) (any, *APIError) { return nil, &APIError{Code: 100} }}
	srv := httptest.NewServer(dsm.handler())
	defer srv.Close()

	mgr, _, _ := newTestManager(t, srv.URL)
	_, err := mgr.Obtain(context.Background())
	if !errors.Is(err, ErrAuthRequired) {
		t.Errorf("expected ErrAuthRequired, got %v", err)
	}
	if dsm.loginCount() != 0 {
		t.Error("login attempted without a device token")
	}
}

func TestObtainReusesLiveSession(t *testing.T) {
	dsm := &fakeDSM{probeOK: true}
	dsm.loginFn = func(q url.Values) (any, *APIError) {
		return nil, &APIError{Code: 100, Message: "should not be called"}
	}
	srv := httptest.NewServer(dsm.handler())
	defer srv.Close()

	mgr, store, clk := newTestManager(t, srv.URL)
	store.SaveJSON(&Session{SID: "sid-live", ExpiresAt: clk.Now().Add(time.Hour)})

	sess, err := mgr.Obtain(context.Background())
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}
	if sess.SID != "sid-live" {
		t.Errorf("sid = %q", sess.SID)
	}
	if dsm.loginCount() != 0 {
		t.Error("renewal performed for a live session")
	}
}

func TestObtainRenewsWithDeviceToken(t *testing.T) {
	dsm := &fakeDSM{
		loginFn: func(q url.Values) (any, *APIError) {
			if q.Get("device_id") != "did-old" {
				return nil, &APIError{Code: 403, Message: "OTP required"}
			}
			if q.Get("otp_code") != "" || q.Get("enable_device_token") != "" {
				return nil, &APIError{Code: 100, Message: "unexpected params on renewal"}
			}
			return map[string]any{"sid": "sid-new"}, nil
		},
	}
	srv := httptest.NewServer(dsm.handler())
	defer srv.Close()

	mgr, store, clk := newTestManager(t, srv.URL)
	// Expired session: only the device ID survives the load.
	store.SaveJSON(&Session{SID: "sid-old", DeviceID: "did-old", ExpiresAt: clk.Now().Add(-time.Hour)})

	sess, err := mgr.Obtain(context.Background())
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}
	if sess.SID != "sid-new" {
		t.Errorf("sid = %q, want renewed sid", sess.SID)
	}
	// The renewal response carried no fresh did; the old one is kept.
	if sess.DeviceID != "did-old" {
		t.Errorf("device id = %q, want did-old preserved", sess.DeviceID)
	}
}

func TestObtainCoalescesConcurrentRenewals(t *testing.T) {
	// probeOK keeps callers that miss the flight window on the renewed
	// session instead of triggering a second login.
	dsm := &fakeDSM{
		probeOK: true,
		loginFn: func(q url.Values) (any, *APIError) {
			time.Sleep(50 * time.Millisecond)
			return map[string]any{"sid": "sid-shared"}, nil
		},
	}
	srv := httptest.NewServer(dsm.handler())
	defer srv.Close()

	mgr, store, clk := newTestManager(t, srv.URL)
	store.SaveJSON(&Session{SID: "expired", DeviceID: "did-x", ExpiresAt: clk.Now().Add(-time.Minute)})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Obtain(context.Background()); err != nil {
				t.Errorf("Obtain: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := dsm.loginCount(); n != 1 {
		t.Errorf("login calls = %d, want 1 (coalesced)", n)
	}
}

func TestObtainRenewalSurvivesCallerCancel(t *testing.T) {
	// The renewed session is shared by every coalesced caller, so the
	// login must not abort just because the request that started it went
	// away.
	dsm := &fakeDSM{
		loginFn: func(q url.Values) (any, *APIError) {
			return map[string]any{"sid": "sid-new"}, nil
		},
	}
	srv := httptest.NewServer(dsm.handler())
	defer srv.Close()

	mgr, store, clk := newTestManager(t, srv.URL)
	store.SaveJSON(&Session{SID: "expired", DeviceID: "did-x", ExpiresAt: clk.Now().Add(-time.Minute)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess, err := mgr.Obtain(ctx)
	if err != nil {
		t.Fatalf("Obtain with cancelled caller: %v", err)
	}
	if sess.SID != "sid-new" {
		t.Errorf("sid = %q, want renewed sid", sess.SID)
	}
}

func TestStatusDoesNotRenew(t *testing.T) {
	dsm := &fakeDSM{probeOK: false}
	dsm.loginFn = func(q url.Values) (any, *APIError) {
		return nil, &APIError{Code: 100, Message: "should not be called"}
	}
	srv := httptest.NewServer(dsm.handler())
	defer srv.Close()

	mgr, store, clk := newTestManager(t, srv.URL)
	store.SaveJSON(&Session{SID: "sid", DeviceID: "did", ExpiresAt: clk.Now().Add(time.Hour)})

	hasToken, live := mgr.Status(context.Background())
	if !hasToken {
		t.Error("device token not reported")
	}
	if live {
		t.Error("dead session reported live")
	}
	if dsm.loginCount() != 0 {
		t.Error("Status triggered a renewal")
	}
}

func TestCorruptSessionFileDegradesToFresh(t *testing.T) {
	dsm := &fakeDSM{loginFn: func(q url.Values) (any, *APIError) { return nil, nil }}
	srv := httptest.NewServer(dsm.handler())
	defer srv.Close()

	mgr, store, _ := newTestManager(t, srv.URL)
	// Write garbage where the encrypted session should be.
	writeGarbage(t, store.Path())

	_, err := mgr.Obtain(context.Background())
	if !errors.Is(err, ErrAuthRequired) {
		t.Errorf("expected ErrAuthRequired after corrupt state, got %v", err)
	}
}

func writeGarbage(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("not-encrypted"), 0600); err != nil {
		t.Fatal(err)
	}
}
