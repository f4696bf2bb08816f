package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"farmacia/backend/internal/domain"
)

const testSecret = "test-secret-key-with-enough-length-0001"

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

func legacyAdminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := legacyAdminStore()
	ctx := context.Background()

	manager := NewAuthManager(ctx, testSecret, time.Hour, store)
	_, err := manager.Login(ctx, domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
	if store.updates == 0 {
		t.Fatalf("expected the upgraded hash to be written back")
	}
}

func TestCreateCashierStoresPasswordHash(t *testing.T) {
	store := legacyAdminStore()
	ctx := context.Background()

	manager := NewAuthManager(ctx, testSecret, time.Hour, store)
	cashier, err := manager.CreateCashier(ctx, domain.UserCreateRequest{
		Username: " CajaNorte ",
		Password: "mostrador1",
	})
	if err != nil {
		t.Fatalf("create cashier failed: %v", err)
	}
	if cashier.Username != "cajanorte" || cashier.Role != domain.RoleCashier {
		t.Fatalf("unexpected cashier %+v", cashier)
	}

	saved, ok := store.users["cajanorte"]
	if !ok {
		t.Fatalf("expected cashier to be saved")
	}
	if !strings.HasPrefix(saved.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", saved.Password)
	}

	resp, err := manager.Login(ctx, domain.LoginRequest{Username: "CAJANORTE", Password: "mostrador1"})
	if err != nil {
		t.Fatalf("login with hashed cashier failed: %v", err)
	}
	if resp.Role != domain.RoleCashier {
		t.Fatalf("expected cashier role, got %s", resp.Role)
	}

	if _, err := manager.CreateCashier(ctx, domain.UserCreateRequest{Username: "cajanorte", Password: "otraclave1"}); err != errUserExists {
		t.Fatalf("expected duplicate username error, got %v", err)
	}
	if _, err := manager.CreateCashier(ctx, domain.UserCreateRequest{Username: "abc", Password: "mostrador1"}); err == nil {
		t.Fatalf("expected short username to be rejected")
	}
	if _, err := manager.CreateCashier(ctx, domain.UserCreateRequest{Username: "cajasur", Password: "corta"}); err == nil {
		t.Fatalf("expected short password to be rejected")
	}

	users := manager.ListUsers(ctx)
	if len(users) != 2 || users[0].Username != "admin" || users[1].Username != "cajanorte" {
		t.Fatalf("unexpected user listing %+v", users)
	}
}

func TestParseTokenRoundTripAndRejectsForeignSecret(t *testing.T) {
	ctx := context.Background()
	manager := NewAuthManager(ctx, testSecret, time.Hour, legacyAdminStore())
	resp, err := manager.Login(ctx, domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "admin" || actor.Role != domain.RoleAdmin {
		t.Fatalf("unexpected actor %+v", actor)
	}

	other := NewAuthManager(ctx, "another-secret-key-with-enough-length", time.Hour, nil)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	manager := NewAuthManager(context.Background(), testSecret, time.Hour, nil)
	token, err := manager.sign("admin", domain.RoleAdmin, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestInactiveAccountCannotLogin(t *testing.T) {
	store := legacyAdminStore()
	user := store.users["admin"]
	user.Active = false
	store.users["admin"] = user
	ctx := context.Background()

	manager := NewAuthManager(ctx, testSecret, time.Hour, store)
	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "admin", Password: "admin123"}); err == nil {
		t.Fatalf("expected inactive account to be rejected")
	}
}

func TestStaffChangesOnAnotherInstanceArePickedUp(t *testing.T) {
	store := legacyAdminStore()
	ctx := context.Background()
	manager := NewAuthManager(ctx, testSecret, time.Hour, store)

	hash, err := hashPassword("mostrador7")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if err := store.CreateUser(ctx, domain.UserAccount{Username: "cajaeste", Password: hash, Role: domain.RoleCashier, Active: true}); err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "cajaeste", Password: "mostrador7"}); err != nil {
		t.Fatalf("expected cashier created elsewhere to sign in, got %v", err)
	}

	store.mu.Lock()
	user := store.users["cajaeste"]
	user.Active = false
	store.users["cajaeste"] = user
	store.mu.Unlock()

	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "cajaeste", Password: "mostrador7"}); err != nil {
		t.Fatalf("expected cached account to stay valid until reload, got %v", err)
	}
	manager.staff.now = func() time.Time { return time.Now().Add(time.Minute) }
	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "cajaeste", Password: "mostrador7"}); err != errInactiveAccount {
		t.Fatalf("expected inactive account after reload, got %v", err)
	}
}
