package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"farmacia/backend/internal/domain"
	"farmacia/backend/internal/inventory"
	"farmacia/backend/internal/store"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	coupons         map[string]domain.Coupon
	accounts        map[string]domain.LoyaltyAccount
	zones           map[string]domain.DeliveryZone
	ordersByID      map[string]*domain.Order
	usersByUsername map[string]domain.UserAccount
	now             func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		coupons:         make(map[string]domain.Coupon),
		accounts:        make(map[string]domain.LoyaltyAccount),
		zones:           make(map[string]domain.DeliveryZone),
		ordersByID:      make(map[string]*domain.Order),
		usersByUsername: make(map[string]domain.UserAccount),
		now:             time.Now,
	}
}

// seedUsers builds the initial user accounts for dev/demo mode. Credentials
// come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; when unset,
// hardcoded dev defaults are used and a warning is logged.
func seedUsers(logger *zap.Logger) (map[string]domain.UserAccount, error) {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func price(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(money(s))
}

// NewSeeded returns a store filled with a demo pharmacy catalog, coupons,
// delivery zones, loyalty accounts and dev users.
func NewSeeded(logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := New()

	products := []domain.Product{
		{ID: "paracetamol-500", Name: "Paracetamol 500mg", Category: "analgesicos", Price: money("0.25"), BoxPrice: price("1.80"), PublicBoxPrice: price("2.50"), UnitsPerBox: 10, Stock: 240, Active: true},
		{ID: "ibuprofeno-400", Name: "Ibuprofeno 400mg", Category: "analgesicos", Price: money("0.35"), BoxPrice: price("5.20"), PublicBoxPrice: price("6.90"), UnitsPerBox: 20, Stock: 160, Active: true},
		{ID: "amoxicilina-500", Name: "Amoxicilina 500mg", Category: "antibioticos", Price: money("0.60"), BoxPrice: price("4.10"), PublicBoxPrice: price("5.40"), UnitsPerBox: 10, Stock: 55, Active: true},
		{ID: "loratadina-10", Name: "Loratadina 10mg", Category: "antialergicos", Price: money("0.30"), BoxPrice: price("2.90"), UnitsPerBox: 10, Stock: 80, Active: true},
		{ID: "omeprazol-20", Name: "Omeprazol 20mg", Category: "gastro", Price: money("0.40"), BoxPrice: price("8.00"), PublicBoxPrice: price("10.50"), UnitsPerBox: 28, Stock: 112, Active: true},
		{ID: "suero-oral", Name: "Suero Oral 500ml", Category: "hidratacion", Price: money("1.75"), Stock: 36, Active: true},
		{ID: "alcohol-gel", Name: "Alcohol en Gel 250ml", Category: "cuidado", Price: money("2.95"), Stock: 24, Active: true},
		{ID: "vitamina-c", Name: "Vitamina C 1g Efervescente", Category: "vitaminas", Price: money("0.45"), BoxPrice: price("3.60"), PublicBoxPrice: price("4.75"), UnitsPerBox: 12, Stock: 5, Active: true},
		{ID: "jarabe-tos", Name: "Jarabe para la Tos 120ml", Category: "respiratorio", Price: money("4.80"), Stock: 0, Active: true},
		{ID: "mascarilla-n95", Name: "Mascarilla N95", Category: "cuidado", Price: money("1.20"), BoxPrice: price("12.00"), PublicBoxPrice: price("15.00"), UnitsPerBox: 20, Stock: 300, Active: false},
	}
	for _, p := range products {
		s.products[p.ID] = p
	}

	for _, c := range []domain.Coupon{
		{Code: "SALUD10", Type: domain.DiscountPercentage, Value: money("10"), Active: true},
		{Code: "BIENVENIDA", Type: domain.DiscountFixed, Value: money("2.00"), Active: true},
		{Code: "VERANO2023", Type: domain.DiscountPercentage, Value: money("15"), Active: false},
	} {
		s.coupons[strings.ToUpper(c.Code)] = c
	}

	for _, z := range []domain.DeliveryZone{
		{ID: "centro", Name: "Centro", Fee: money("1.00")},
		{ID: "norte", Name: "Norte", Fee: money("1.50")},
		{ID: "sur", Name: "Sur", Fee: money("2.00")},
		{ID: "valles", Name: "Valles", Fee: money("3.50")},
	} {
		s.zones[z.ID] = z
	}

	for _, a := range []domain.LoyaltyAccount{
		{CustomerID: "cli-001", Points: 520},
		{CustomerID: "cli-002", Points: 120},
		{CustomerID: "cli-003", Points: 480},
	} {
		s.accounts[a.CustomerID] = a
	}

	users, err := seedUsers(logger)
	if err != nil {
		return nil, err
	}
	s.usersByUsername = users
	return s, nil
}

// PutProduct inserts or replaces a catalog product.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

func (s *Store) PutCoupon(coupon domain.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons[strings.ToUpper(coupon.Code)] = coupon
}

func (s *Store) PutZone(zone domain.DeliveryZone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[zone.ID] = zone
}

func (s *Store) PutAccount(account domain.LoyaltyAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.CustomerID] = account
}

// SetStock overwrites the on-hand stock of a product, in base units.
func (s *Store) SetStock(_ context.Context, productID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qty < 0 {
		return store.ErrInvalidOrder
	}
	product, ok := s.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	product.Stock = qty
	s.products[productID] = product
	return nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) FindCoupon(_ context.Context, code string) (*domain.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coupon, ok := s.coupons[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, nil
	}
	return &coupon, nil
}

func (s *Store) GetAccount(_ context.Context, customerID string) (*domain.LoyaltyAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &account, nil
}

func (s *Store) ListDeliveryZones(_ context.Context) ([]domain.DeliveryZone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	zones := make([]domain.DeliveryZone, 0, len(s.zones))
	for _, z := range s.zones {
		zones = append(zones, z)
	}
	slices.SortFunc(zones, func(a, b domain.DeliveryZone) int {
		return strings.Compare(a.Name, b.Name)
	})
	return zones, nil
}

func (s *Store) GetDeliveryZone(_ context.Context, id string) (*domain.DeliveryZone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	zone, ok := s.zones[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &zone, nil
}

func (s *Store) SubmitOrder(_ context.Context, draft domain.OrderDraft) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if draft.ID == "" {
		return nil, store.ErrInvalidOrder
	}
	if existing, ok := s.ordersByID[draft.ID]; ok {
		return cloneOrder(existing), nil
	}
	if len(draft.Lines) == 0 || !draft.PaymentMethod.Valid() {
		return nil, store.ErrInvalidOrder
	}
	if _, ok := s.zones[draft.Zone.ID]; !ok {
		return nil, fmt.Errorf("zone %s: %w", draft.Zone.ID, store.ErrInvalidOrder)
	}
	if draft.PaymentMethod == domain.PaymentCash {
		if !draft.CashGiven.Valid || draft.CashGiven.Decimal.LessThan(draft.Total) {
			return nil, store.ErrInvalidOrder
		}
	}

	lines := make([]domain.OrderLine, len(draft.Lines))
	demand := make(map[string]int, len(draft.Lines))
	for i, line := range draft.Lines {
		if line.Quantity < 1 || !line.Unit.Valid() {
			return nil, store.ErrInvalidOrder
		}
		product, ok := s.products[line.ProductID]
		if !ok || !product.Active {
			return nil, fmt.Errorf("product %s unavailable: %w", line.ProductID, store.ErrInvalidOrder)
		}
		line.ConversionFactor = inventory.ConversionFactor(product, line.Unit)
		line.BaseUnits = line.Quantity * line.ConversionFactor
		lines[i] = line
		demand[line.ProductID] += line.BaseUnits
	}
	draft.Lines = lines
	for productID, baseUnits := range demand {
		if s.products[productID].Stock < baseUnits {
			return nil, fmt.Errorf("product %s: %w", productID, store.ErrInsufficientStock)
		}
	}

	customerID := draft.Customer.CustomerID
	if draft.PointsSpent > 0 {
		account, ok := s.accounts[customerID]
		if customerID == "" || !ok || account.Points < draft.PointsSpent {
			return nil, fmt.Errorf("loyalty redemption for %q: %w", customerID, store.ErrInvalidOrder)
		}
	}

	for productID, baseUnits := range demand {
		product := s.products[productID]
		product.Stock -= baseUnits
		s.products[productID] = product
	}
	if customerID != "" && (draft.PointsSpent > 0 || draft.PointsEarned > 0) {
		account := s.accounts[customerID]
		account.CustomerID = customerID
		account.Points = account.Points - draft.PointsSpent + draft.PointsEarned
		s.accounts[customerID] = account
	}

	now := s.now().UTC()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	order := &domain.Order{OrderDraft: draft, Status: domain.OrderPending, UpdatedAt: now}
	s.ordersByID[draft.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

// UpdateOrderStatus moves an order along its lifecycle. Cancelling returns
// the reserved base units to stock.
func (s *Store) UpdateOrderStatus(_ context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !status.Valid() {
		return nil, store.ErrInvalidOrder
	}
	if !domain.CanTransition(order.Status, status) {
		return nil, fmt.Errorf("%s to %s: %w", order.Status, status, store.ErrInvalidTransition)
	}

	if status == domain.OrderCancelled {
		for _, line := range order.Lines {
			product, ok := s.products[line.ProductID]
			if !ok {
				continue
			}
			product.Stock += line.BaseUnits
			s.products[line.ProductID] = product
		}
	}
	order.Status = status
	order.UpdatedAt = s.now().UTC()
	return cloneOrder(order), nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidOrder
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidOrder
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneOrder(src *domain.Order) *domain.Order {
	if src == nil {
		return nil
	}
	dup := *src
	lines := make([]domain.OrderLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	if src.Customer.Location != nil {
		loc := *src.Customer.Location
		dup.Customer.Location = &loc
	}
	return &dup
}
