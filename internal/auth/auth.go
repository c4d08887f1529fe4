package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"tetatet/internal/content"
	"tetatet/internal/models"
)

const (
	DefaultTokenExpiry = 24 * time.Hour
	minPasswordLength  = 8
	loginFailedMessage = "Login failed"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrWeakPassword = fmt.Errorf("password must be at least %d characters", minPasswordLength)
)

// UserCredentials couples a user with its credential material. Only the auth
// and storage layers ever see the password hash.
type UserCredentials struct {
	models.User
	PasswordHash string
}

// CredentialsStore is the slice of the storage layer the auth service needs.
type CredentialsStore interface {
	CreateCredentials(c UserCredentials) error
	CredentialsByUsername(username string) (UserCredentials, error)
	UserByID(id string) (models.User, error)
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

// loginAttempts tracks consecutive failed logins per username to throttle
// brute force attacks. Kept in memory only.
type loginAttempts struct {
	failed      int64
	lastAttempt int64
}

type AuthService struct {
	logger      *zap.SugaredLogger
	store       CredentialsStore
	tokenExpiry time.Duration

	liveTokens geche.Geche[string, string]

	mu       sync.Mutex
	attempts map[string]*loginAttempts

	now func() time.Time
}

func NewAuthService(ctx context.Context, logger *zap.SugaredLogger, store CredentialsStore, tokenExpiry time.Duration) *AuthService {
	if tokenExpiry <= 0 {
		tokenExpiry = DefaultTokenExpiry
	}
	return &AuthService{
		logger:      logger,
		store:       store,
		tokenExpiry: tokenExpiry,
		liveTokens:  geche.NewMapTTLCache[string, string](ctx, tokenExpiry, time.Minute),
		attempts:    make(map[string]*loginAttempts),
		now:         time.Now,
	}
}

// Register creates a new user with the given password.
func (as *AuthService) Register(username, displayName, password string) (models.User, error) {
	username = strings.TrimSpace(username)
	if err := content.ValidateUsername(username); err != nil {
		return models.User{}, err
	}
	if len(password) < minPasswordLength {
		return models.User{}, ErrWeakPassword
	}

	displayName = content.Sanitize(displayName)
	if displayName == "" {
		displayName = username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.User{
		ID:          uuid.NewString(),
		Username:    username,
		DisplayName: displayName,
	}
	if err := as.store.CreateCredentials(UserCredentials{User: user, PasswordHash: string(hash)}); err != nil {
		return models.User{}, err
	}

	as.logger.Infow("user registered", "user_id", user.ID, "username", username)
	return user, nil
}

// Login verifies the password and issues a live token. The second return
// value is the user ID on success.
func (as *AuthService) Login(req LoginRequest) (LoginResponse, string) {
	now := as.now()

	if wait := as.throttled(req.Username, now); wait > 0 {
		return LoginResponse{
			Success: false,
			Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", wait),
		}, ""
	}

	creds, err := as.store.CredentialsByUsername(req.Username)
	if err != nil {
		as.recordFailure(req.Username, now)
		return LoginResponse{Success: false, Message: loginFailedMessage}, ""
	}

	if err := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(req.Password)); err != nil {
		as.recordFailure(req.Username, now)
		return LoginResponse{Success: false, Message: loginFailedMessage}, ""
	}

	token, err := as.generateToken()
	if err != nil {
		as.logger.Errorw("login failed", "user_id", creds.ID, "error", err)
		return LoginResponse{Success: false, Message: "internal error"}, ""
	}

	as.liveTokens.Set(token, creds.ID)
	as.resetFailures(req.Username)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: now.Unix() + int64(as.tokenExpiry.Seconds()),
	}, creds.ID
}

// Logoff invalidates a live token.
func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(token)
}

// GetUserID resolves a live token to a user ID.
func (as *AuthService) GetUserID(token string) (string, error) {
	return as.liveTokens.Get(token)
}

// GetUser resolves a live token to the full user record.
func (as *AuthService) GetUser(token string) (models.User, error) {
	userID, err := as.liveTokens.Get(token)
	if err != nil {
		return models.User{}, err
	}
	return as.store.UserByID(userID)
}

// throttled returns the number of seconds the caller still has to wait, or
// zero. Backoff grows quadratically with consecutive failures.
func (as *AuthService) throttled(username string, now time.Time) int64 {
	as.mu.Lock()
	defer as.mu.Unlock()

	a, ok := as.attempts[username]
	if !ok || a.failed <= 3 {
		return 0
	}
	nextAttempt := a.lastAttempt + 30*(a.failed*a.failed)
	if now.Unix() < nextAttempt {
		return nextAttempt - now.Unix()
	}
	return 0
}

func (as *AuthService) recordFailure(username string, now time.Time) {
	as.mu.Lock()
	defer as.mu.Unlock()

	a, ok := as.attempts[username]
	if !ok {
		a = &loginAttempts{}
		as.attempts[username] = a
	}
	a.failed++
	a.lastAttempt = now.Unix()
}

func (as *AuthService) resetFailures(username string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	delete(as.attempts, username)
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
