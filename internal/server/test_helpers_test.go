package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lobby/internal/auth"
	"github.com/MarcoPoloResearchLab/lobby/internal/presence"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testSigningSecret = "server-test-secret"

var baseTime = time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: baseTime}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("identity-%d", p.next), nil
}

type testHarness struct {
	handler    http.Handler
	service    *presence.Service
	issuer     *auth.IdentityIssuer
	dispatcher *RealtimeDispatcher
	clock      *fakeClock
	logs       *observer.ObservedLogs
}

func newTestHarness(t *testing.T, allowedOrigins ...string) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	clock := newFakeClock()

	service, err := presence.NewService(presence.ServiceConfig{
		Store:         presence.NewMemoryStore(),
		IdleThreshold: 100 * time.Millisecond,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("failed to build presence service: %v", err)
	}
	issuer, err := auth.NewIdentityIssuer(auth.IdentityIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Hour,
		Clock:         clock.Now,
		IDProvider:    &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to build identity issuer: %v", err)
	}
	dispatcher := NewRealtimeDispatcher(32)
	handler, err := NewHTTPHandler(Dependencies{
		PresenceService: service,
		Identities:      issuer,
		Realtime:        dispatcher,
		Clock:           clock.Now,
		AllowedOrigins:  allowedOrigins,
		MetricsRegistry: prometheus.NewRegistry(),
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testHarness{
		handler:    handler,
		service:    service,
		issuer:     issuer,
		dispatcher: dispatcher,
		clock:      clock,
		logs:       logs,
	}
}

// connectIdentity mints a token and marks its identity online through the service.
func (h *testHarness) connectIdentity(t *testing.T) (presence.Identity, string) {
	t.Helper()
	issued, err := h.issuer.IssueIdentity(context.Background())
	if err != nil {
		t.Fatalf("failed to issue identity: %v", err)
	}
	identity := presence.Identity(issued.Identity)
	if _, err := h.service.OnConnect(context.Background(), presence.Caller{Identity: identity, Timestamp: h.clock.Now()}); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return identity, issued.Token
}

func (h *testHarness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func (h *testHarness) findUser(t *testing.T, identity presence.Identity) *presence.User {
	t.Helper()
	users, err := h.service.Users(context.Background())
	if err != nil {
		t.Fatalf("failed to list users: %v", err)
	}
	for index := range users {
		if users[index].Identity == identity {
			return &users[index]
		}
	}
	return nil
}

func decodeJSON[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

// decodedChange mirrors changeFrame with a concrete row shape for assertions.
type decodedChange struct {
	Type  string         `json:"type"`
	Table string         `json:"table"`
	Kind  string         `json:"kind"`
	Row   map[string]any `json:"row"`
}

type stubIdentityManager struct {
	issued      auth.IssuedIdentity
	issueErr    error
	subject     string
	validateErr error
}

func (s stubIdentityManager) IssueIdentity(context.Context) (auth.IssuedIdentity, error) {
	return s.issued, s.issueErr
}

func (s stubIdentityManager) ValidateToken(string) (string, error) {
	return s.subject, s.validateErr
}
