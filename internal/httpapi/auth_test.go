package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

type sessionStoreStub struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
}

func (s *sessionStoreStub) CreateSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[string]domain.Session)
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *sessionStoreStub) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func (s *sessionStoreStub) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	session.LastActive = at
	s.sessions[id] = session
	return nil
}

func (s *sessionStoreStub) revoke(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func newAuthForTest(t *testing.T, users *userStoreStub, sessions *sessionStoreStub) *AuthManager {
	t.Helper()
	return NewAuthManager(context.Background(), "test-secret-key-that-is-long-enough", time.Hour, users, sessions, zaptest.NewLogger(t))
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := &userStoreStub{
		users: map[string]domain.UserAccount{
			"op-legacy": {
				Username:  "op-legacy",
				Password:  "plain-pass-123",
				Role:      domain.RoleOperator,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	auth := newAuthForTest(t, users, &sessionStoreStub{})
	if users.updates == 0 {
		t.Fatalf("expected legacy password to be upgraded")
	}
	if !isPasswordHash(users.users["op-legacy"].Password) {
		t.Fatalf("expected stored password to be hashed")
	}

	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "op-legacy", Password: "plain-pass-123"}); err != nil {
		t.Fatalf("expected login success after upgrade, got %v", err)
	}
}

func TestAuthManagerStoresHashedOperatorPassword(t *testing.T) {
	users := &userStoreStub{}
	auth := newAuthForTest(t, users, &sessionStoreStub{})

	created, err := auth.CreateOperator(context.Background(), domain.OperatorCreateRequest{
		Username: "operator-new",
		Password: "secret-pass",
	})
	if err != nil {
		t.Fatalf("create operator: %v", err)
	}
	if created.Role != domain.RoleOperator {
		t.Fatalf("expected operator role, got %q", created.Role)
	}

	stored := users.users["operator-new"]
	if stored.Password == "secret-pass" || !strings.HasPrefix(stored.Password, "$2") {
		t.Fatalf("expected bcrypt hash in store, got %q", stored.Password)
	}

	if _, err := auth.CreateOperator(context.Background(), domain.OperatorCreateRequest{Username: "operator-new", Password: "secret-pass"}); err == nil {
		t.Fatalf("expected duplicate username to be rejected")
	}
	if got := auth.ListOperators(context.Background()); len(got) != 1 || got[0].Username != "operator-new" {
		t.Fatalf("unexpected operator listing: %+v", got)
	}
}

func TestLoginBindsSessionAndWallet(t *testing.T) {
	users := &userStoreStub{}
	sessions := &sessionStoreStub{}
	auth := newAuthForTest(t, users, sessions)
	if _, err := auth.CreateOperator(context.Background(), domain.OperatorCreateRequest{Username: "till-01", Password: "secret-pass"}); err != nil {
		t.Fatalf("create operator: %v", err)
	}

	_, err := auth.Login(context.Background(), domain.LoginRequest{Username: "till-01", Password: "secret-pass", WalletAddress: "0x123"})
	if !errors.Is(err, ErrInvalidWallet) {
		t.Fatalf("expected invalid wallet, got %v", err)
	}

	resp, err := auth.Login(context.Background(), domain.LoginRequest{
		Username:      "till-01",
		Password:      "secret-pass",
		WalletAddress: strings.ToLower(signerAddress),
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	actor, err := auth.Authenticate(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if actor.SessionID != resp.SessionID || actor.WalletAddress != signerAddress {
		t.Fatalf("unexpected actor: %+v", actor)
	}

	sessions.revoke(resp.SessionID)
	if _, err := auth.Authenticate(context.Background(), resp.AccessToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected revoked session, got %v", err)
	}
}

func TestLoginRejectsBadPasswordAndInactiveAccount(t *testing.T) {
	hash, err := hashPassword("right-pass")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	users := &userStoreStub{users: map[string]domain.UserAccount{
		"idle": {Username: "idle", Password: hash, Role: domain.RoleOperator, Active: false},
		"busy": {Username: "busy", Password: hash, Role: domain.RoleOperator, Active: true},
	}}
	auth := newAuthForTest(t, users, &sessionStoreStub{})

	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "busy", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "idle", Password: "right-pass"}); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected inactive account, got %v", err)
	}
}

func TestParseTokenRejectsForeignSignature(t *testing.T) {
	users := &userStoreStub{}
	auth := newAuthForTest(t, users, &sessionStoreStub{})
	other := NewAuthManager(context.Background(), "a-completely-different-secret-key", time.Hour, users, &sessionStoreStub{}, zaptest.NewLogger(t))

	if _, err := auth.CreateOperator(context.Background(), domain.OperatorCreateRequest{Username: "till-02", Password: "secret-pass"}); err != nil {
		t.Fatalf("create operator: %v", err)
	}
	resp, err := other.Login(context.Background(), domain.LoginRequest{Username: "till-02", Password: "secret-pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := auth.ParseToken(resp.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}
