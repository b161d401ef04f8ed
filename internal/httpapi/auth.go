package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"returnshield/backend/internal/chain"
	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/xid"
)

const tokenIssuer = "returnshield"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrSessionRevoked     = errors.New("session not found")
	ErrInvalidWallet      = errors.New("invalid wallet address")
)

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
}

// AuthManager signs session-bound access tokens. A token is only honoured
// while its session row exists.
type AuthManager struct {
	mu       sync.RWMutex
	secret   []byte
	tokenTTL time.Duration
	users    UserStore
	sessions SessionStore
	logger   *zap.Logger
	cache    map[string]credential
}

type credential struct {
	password string
	role     string
	active   bool
	created  time.Time
}

type sessionClaims struct {
	jwtlib.RegisteredClaims
	Role      string `json:"role"`
	SessionID string `json:"sid"`
	Wallet    string `json:"wallet,omitempty"`
}

func NewAuthManager(ctx context.Context, secret string, tokenTTL time.Duration, users UserStore, sessions SessionStore, logger *zap.Logger) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	manager := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
		sessions: sessions,
		logger:   logger,
		cache:    make(map[string]credential),
	}
	manager.bootstrapUsers(ctx)
	return manager
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.bootstrapUsers(ctx)
	username := strings.ToLower(strings.TrimSpace(req.Username))
	a.mu.RLock()
	cred, ok := a.cache[username]
	a.mu.RUnlock()
	if !ok || !verifyPassword(cred.password, req.Password) {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if !cred.active {
		return domain.LoginResponse{}, ErrAccountInactive
	}

	wallet := ""
	if strings.TrimSpace(req.WalletAddress) != "" {
		normalized, err := chain.NormalizeAddress(req.WalletAddress)
		if err != nil {
			return domain.LoginResponse{}, fmt.Errorf("%w: %s", ErrInvalidWallet, req.WalletAddress)
		}
		wallet = normalized
	}

	now := time.Now().UTC()
	session := domain.Session{
		ID:            xid.Session(),
		Username:      username,
		WalletAddress: wallet,
		CreatedAt:     now,
		LastActive:    now,
	}
	if a.sessions != nil {
		if err := a.sessions.CreateSession(ctx, session); err != nil {
			return domain.LoginResponse{}, fmt.Errorf("create session: %w", err)
		}
	}

	expiresAt := now.Add(a.tokenTTL)
	token, err := a.sign(username, cred.role, session, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		SessionID:   session.ID,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &sessionClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" || claims.SessionID == "" {
		return domain.Actor{}, ErrInvalidToken
	}
	return domain.Actor{
		Username:      sub,
		Role:          claims.Role,
		SessionID:     claims.SessionID,
		WalletAddress: claims.Wallet,
	}, nil
}

// Authenticate parses the token and confirms its session is still live,
// refreshing the session's activity stamp.
func (a *AuthManager) Authenticate(ctx context.Context, tokenStr string) (domain.Actor, error) {
	actor, err := a.ParseToken(tokenStr)
	if err != nil {
		return domain.Actor{}, err
	}
	if a.sessions == nil {
		return actor, nil
	}

	session, err := a.sessions.GetSession(ctx, actor.SessionID)
	if err != nil {
		return domain.Actor{}, ErrSessionRevoked
	}
	if session.Username != actor.Username {
		return domain.Actor{}, ErrInvalidToken
	}
	if err := a.sessions.TouchSession(ctx, session.ID, time.Now().UTC()); err != nil {
		a.logger.Warn("touch session failed", zap.String("session_id", session.ID), zap.Error(err))
	}
	return actor, nil
}

func (a *AuthManager) sign(username, role string, session domain.Session, expiresAt time.Time) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(session.CreatedAt),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Role:      role,
		SessionID: session.ID,
		Wallet:    session.WalletAddress,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthManager) CreateOperator(ctx context.Context, req domain.OperatorCreateRequest) (domain.OperatorUser, error) {
	a.bootstrapUsers(ctx)
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 4 {
		return domain.OperatorUser{}, fmt.Errorf("username must be at least 4 characters")
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.OperatorUser{}, fmt.Errorf("username must not contain spaces")
	}
	if len(strings.TrimSpace(req.Password)) < 8 {
		return domain.OperatorUser{}, fmt.Errorf("password must be at least 8 characters")
	}

	a.mu.RLock()
	_, exists := a.cache[username]
	a.mu.RUnlock()
	if exists {
		return domain.OperatorUser{}, fmt.Errorf("username already exists")
	}

	now := time.Now().UTC()
	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.OperatorUser{}, fmt.Errorf("hash password: %w", err)
	}

	if a.users != nil {
		err := a.users.CreateUser(ctx, domain.UserAccount{
			Username:  username,
			Password:  passwordHash,
			Role:      domain.RoleOperator,
			Active:    true,
			CreatedAt: now,
		})
		if err != nil {
			return domain.OperatorUser{}, err
		}
	}

	a.mu.Lock()
	a.cache[username] = credential{
		password: passwordHash,
		role:     domain.RoleOperator,
		active:   true,
		created:  now,
	}
	a.mu.Unlock()

	return domain.OperatorUser{
		Username:  username,
		Role:      domain.RoleOperator,
		Active:    true,
		CreatedAt: now,
	}, nil
}

func (a *AuthManager) ListOperators(ctx context.Context) []domain.OperatorUser {
	a.bootstrapUsers(ctx)
	a.mu.RLock()
	result := make([]domain.OperatorUser, 0, len(a.cache))
	for username, user := range a.cache {
		if user.role != domain.RoleOperator {
			continue
		}
		result = append(result, domain.OperatorUser{
			Username:  username,
			Role:      user.role,
			Active:    user.active,
			CreatedAt: user.created,
		})
	}
	a.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].Username < result[j].Username
	})
	return result
}

// bootstrapUsers refreshes the credential cache from the user store and
// upgrades plain-text passwords to bcrypt hashes in place.
func (a *AuthManager) bootstrapUsers(ctx context.Context) {
	if a.users == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	users, err := a.users.ListUsers(ctx)
	if err != nil {
		a.logger.Warn("load users failed", zap.Error(err))
		return
	}
	if len(users) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, user := range users {
		username := strings.ToLower(strings.TrimSpace(user.Username))
		if username == "" {
			continue
		}
		password := user.Password
		if !isPasswordHash(password) {
			hashed, err := hashPassword(password)
			if err == nil {
				password = hashed
				if err := a.users.UpdateUserPassword(ctx, username, hashed); err != nil {
					a.logger.Warn("upgrade password hash failed", zap.String("username", username), zap.Error(err))
				}
			}
		}
		a.cache[username] = credential{
			password: password,
			role:     user.Role,
			active:   user.Active,
			created:  user.CreatedAt,
		}
	}
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
