package httpapi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"farmacia/backend/internal/domain"
)

const (
	tokenIssuer        = "farmacia"
	staffReloadAfter   = 30 * time.Second
	staffReloadTimeout = 5 * time.Second
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
	errInvalidToken       = errors.New("invalid or expired token")
	errUserExists         = errors.New("username already exists")
	errInvalidUser        = errors.New("invalid user")
)

// UserStore is the persistence side of staff accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type staffMember struct {
	hash    string
	role    string
	active  bool
	created time.Time
}

// staffDirectory caches staff accounts from the user store. Entries are
// reloaded on a miss or once they are older than staffReloadAfter, so a
// cashier created or deactivated on another instance is picked up.
type staffDirectory struct {
	mu       sync.RWMutex
	store    UserStore
	members  map[string]staffMember
	loadedAt time.Time
	now      func() time.Time
}

func newStaffDirectory(store UserStore) *staffDirectory {
	return &staffDirectory{store: store, members: make(map[string]staffMember), now: time.Now}
}

func (d *staffDirectory) stale() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loadedAt.IsZero() || d.now().Sub(d.loadedAt) > staffReloadAfter
}

func (d *staffDirectory) find(ctx context.Context, username string) (staffMember, bool) {
	if d.stale() {
		d.reload(ctx)
	}
	d.mu.RLock()
	member, ok := d.members[username]
	d.mu.RUnlock()
	if ok {
		return member, true
	}
	d.reload(ctx)
	d.mu.RLock()
	defer d.mu.RUnlock()
	member, ok = d.members[username]
	return member, ok
}

// reload replaces the cache with the stored accounts. Plain-text passwords
// left by older seeds are hashed and written back.
func (d *staffDirectory) reload(ctx context.Context) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, staffReloadTimeout)
	defer cancel()
	accounts, err := d.store.ListUsers(ctx)
	if err != nil {
		return
	}

	members := make(map[string]staffMember, len(accounts))
	for _, account := range accounts {
		username := normalizeUsername(account.Username)
		if username == "" {
			continue
		}
		hash := account.Password
		if !isPasswordHash(hash) {
			upgraded, err := hashPassword(hash)
			if err != nil {
				continue
			}
			hash = upgraded
			_ = d.store.UpdateUserPassword(ctx, username, hash)
		}
		members[username] = staffMember{hash: hash, role: account.Role, active: account.Active, created: account.CreatedAt}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.members = members
	d.loadedAt = d.now()
}

func (d *staffDirectory) put(username string, member staffMember) {
	d.mu.Lock()
	d.members[username] = member
	d.mu.Unlock()
}

func (d *staffDirectory) list() []domain.UserView {
	d.mu.RLock()
	views := make([]domain.UserView, 0, len(d.members))
	for username, member := range d.members {
		views = append(views, domain.UserView{Username: username, Role: member.role, Active: member.active, CreatedAt: member.created})
	}
	d.mu.RUnlock()
	slices.SortFunc(views, func(a, b domain.UserView) int { return strings.Compare(a.Username, b.Username) })
	return views
}

// AuthManager issues and verifies staff bearer tokens.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	parser   *jwtlib.Parser
	staff    *staffDirectory
}

type staffClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(ctx context.Context, secret string, tokenTTL time.Duration, userStore UserStore) *AuthManager {
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	staff := newStaffDirectory(userStore)
	staff.reload(ctx)
	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		parser: jwtlib.NewParser(
			jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
			jwtlib.WithIssuer(tokenIssuer),
			jwtlib.WithExpirationRequired(),
		),
		staff: staff,
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := normalizeUsername(req.Username)
	member, ok := a.staff.find(ctx, username)
	if !ok || !verifyPassword(member.hash, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !member.active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, member.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign token: %w", err)
	}
	return domain.LoginResponse{AccessToken: token, Role: member.role, ExpiresAt: expiresAt.Format(time.RFC3339)}, nil
}

func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	var claims staffClaims
	_, err := a.parser.ParseWithClaims(raw, &claims, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || claims.Subject == "" {
		return domain.Actor{}, errInvalidToken
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := staffClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			Issuer:    tokenIssuer,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

// CreateCashier registers a counter cashier account.
func (a *AuthManager) CreateCashier(ctx context.Context, req domain.UserCreateRequest) (domain.UserView, error) {
	username := normalizeUsername(req.Username)
	if err := validateCashier(username, req.Password); err != nil {
		return domain.UserView{}, err
	}
	if _, exists := a.staff.find(ctx, username); exists {
		return domain.UserView{}, errUserExists
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.UserView{}, fmt.Errorf("hash password: %w", err)
	}
	account := domain.UserAccount{
		Username:  username,
		Password:  hash,
		Role:      domain.RoleCashier,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if a.staff.store != nil {
		if err := a.staff.store.CreateUser(ctx, account); err != nil {
			return domain.UserView{}, err
		}
	}
	a.staff.put(username, staffMember{hash: hash, role: account.Role, active: true, created: account.CreatedAt})
	return domain.UserView{Username: username, Role: account.Role, Active: true, CreatedAt: account.CreatedAt}, nil
}

func (a *AuthManager) ListUsers(ctx context.Context) []domain.UserView {
	a.staff.reload(ctx)
	return a.staff.list()
}

func validateCashier(username, password string) error {
	switch {
	case len(username) < 4:
		return fmt.Errorf("%w: username must be at least 4 characters", errInvalidUser)
	case strings.ContainsAny(username, " \t\r\n"):
		return fmt.Errorf("%w: username must not contain spaces", errInvalidUser)
	case len(strings.TrimSpace(password)) < 8:
		return fmt.Errorf("%w: password must be at least 8 characters", errInvalidUser)
	}
	return nil
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func verifyPassword(hash, input string) bool {
	if strings.TrimSpace(input) == "" || !isPasswordHash(hash) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

func isPasswordHash(value string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
