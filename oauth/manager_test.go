package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memStore struct {
	mu    sync.Mutex
	pairs []TokenPair
	err   error
}

func (s *memStore) SaveTokens(ctx context.Context, pair TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.pairs = append(s.pairs, pair)
	return nil
}

func (s *memStore) saved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs)
}

func validateHandler(scopes []string, expiresIn int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Validation{
			ClientID:  "client",
			Login:     "someuser",
			Scopes:    scopes,
			UserID:    "123",
			ExpiresIn: expiresIn,
		})
	}
}

func refreshHandler(counter *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := counter.Add(1)
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "refresh_token" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"scope":         []string{RequiredScope},
			"expires_in":    3600 + int(n),
		})
	}
}

func TestValidateSuccess(t *testing.T) {
	srv := httptest.NewServer(validateHandler([]string{RequiredScope, "chat:edit"}, 7200))
	defer srv.Close()

	m := &Manager{ValidateURL: srv.URL}
	v, err := m.Validate(context.Background(), "token")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Login != "someuser" || v.ExpiresIn != 7200 {
		t.Errorf("validation = %+v", v)
	}
}

func TestValidateUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := &Manager{ValidateURL: srv.URL}
	if _, err := m.Validate(context.Background(), "expired"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Validate error = %v, want ErrTokenInvalid", err)
	}
}

func TestValidateMissingScope(t *testing.T) {
	srv := httptest.NewServer(validateHandler([]string{"chat:edit"}, 7200))
	defer srv.Close()

	m := &Manager{ValidateURL: srv.URL}
	if _, err := m.Validate(context.Background(), "token"); !errors.Is(err, ErrMissingScope) {
		t.Errorf("Validate error = %v, want ErrMissingScope", err)
	}
}

func TestValidateTransientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := &Manager{ValidateURL: srv.URL}
	_, err := m.Validate(context.Background(), "token")
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrMissingScope) {
		t.Errorf("transient failure misclassified: %v", err)
	}
}

func TestValidateEmptyToken(t *testing.T) {
	m := &Manager{}
	if _, err := m.Validate(context.Background(), ""); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("empty token = %v, want ErrTokenInvalid", err)
	}
}

func TestRefreshPersistsBeforeReturning(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(refreshHandler(&calls))
	defer srv.Close()

	store := &memStore{}
	m := &Manager{ClientID: "id", ClientSecret: "secret", Store: store, TokenURL: srv.URL}
	pair, err := m.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.AccessToken != "new-access" || pair.RefreshToken != "new-refresh" {
		t.Errorf("pair = %+v", pair)
	}
	if store.saved() != 1 {
		t.Errorf("saved %d pairs, want 1", store.saved())
	}
}

func TestRefreshRevokedToken(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		m := &Manager{TokenURL: srv.URL}
		_, err := m.Refresh(context.Background(), "revoked")
		srv.Close()
		if !errors.Is(err, ErrRefreshTokenInvalid) {
			t.Errorf("status %d: Refresh error = %v, want ErrRefreshTokenInvalid", status, err)
		}
	}
}

func TestRefreshEmptyToken(t *testing.T) {
	m := &Manager{}
	if _, err := m.Refresh(context.Background(), ""); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("empty refresh token = %v, want ErrRefreshTokenInvalid", err)
	}
}

func TestRefreshPersistFailureIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(refreshHandler(&calls))
	defer srv.Close()

	saveErr := errors.New("db unavailable")
	m := &Manager{Store: &memStore{err: saveErr}, TokenURL: srv.URL}
	if _, err := m.Refresh(context.Background(), "old"); !errors.Is(err, saveErr) {
		t.Errorf("Refresh error = %v, want persist failure surfaced", err)
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-gate
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"scope":         []string{RequiredScope},
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	m := &Manager{Store: &memStore{}, TokenURL: srv.URL}

	const workers = 8
	var started, wg sync.WaitGroup
	results := make(chan TokenPair, workers)
	for range workers {
		started.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			pair, err := m.Refresh(context.Background(), "same-refresh-token")
			if err != nil {
				t.Errorf("Refresh: %v", err)
				return
			}
			results <- pair
		}()
	}
	// Let all callers pile onto the in-flight request, then release it.
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)

	if got := calls.Load(); got != 1 {
		t.Errorf("network refreshes = %d, want 1 for concurrent callers", got)
	}
	for pair := range results {
		if pair.AccessToken != "new-access" {
			t.Errorf("caller got %+v", pair)
		}
	}
}

func TestComputeExpiry(t *testing.T) {
	if ComputeExpiry(0).IsZero() {
		t.Error("zero seconds yielded zero time")
	}
	a := ComputeExpiry(60)
	b := ComputeExpiry(7200)
	if !b.After(a) {
		t.Errorf("expiry ordering wrong: %v vs %v", a, b)
	}
}
