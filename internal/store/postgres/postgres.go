package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"farmacia/backend/internal/domain"
	"farmacia/backend/internal/inventory"
	"farmacia/backend/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	driver, err := migratepg.WithInstance(s.db, &migratepg.Config{
		MigrationsTable: "farmacia_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

const productColumns = `id, name, category, price, box_price, public_box_price, units_per_box, stock, active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.BoxPrice, &p.PublicBoxPrice, &p.UnitsPerBox, &p.Stock, &p.Active)
	return p, err
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	product, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

// UpsertProduct inserts or replaces a catalog product.
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	if p.ID == "" || p.Name == "" || p.Price.IsNegative() || p.Stock < 0 {
		return store.ErrInvalidOrder
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price, box_price, public_box_price, units_per_box, stock, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, category = EXCLUDED.category, price = EXCLUDED.price,
			box_price = EXCLUDED.box_price, public_box_price = EXCLUDED.public_box_price,
			units_per_box = EXCLUDED.units_per_box, stock = EXCLUDED.stock,
			active = EXCLUDED.active, updated_at = now()
	`, p.ID, p.Name, p.Category, p.Price, p.BoxPrice, p.PublicBoxPrice, p.UnitsPerBox, p.Stock, p.Active)
	return err
}

func (s *Store) FindCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	var c domain.Coupon
	err := s.db.QueryRowContext(ctx, `
		SELECT code, discount_type, value, active
		FROM coupons
		WHERE lower(code) = lower($1)
	`, strings.TrimSpace(code)).Scan(&c.Code, &c.Type, &c.Value, &c.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetAccount(ctx context.Context, customerID string) (*domain.LoyaltyAccount, error) {
	account := domain.LoyaltyAccount{CustomerID: customerID}
	err := s.db.QueryRowContext(ctx, `
		SELECT points FROM loyalty_accounts WHERE customer_id = $1
	`, customerID).Scan(&account.Points)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (s *Store) ListDeliveryZones(ctx context.Context) ([]domain.DeliveryZone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, fee FROM delivery_zones ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	zones := make([]domain.DeliveryZone, 0, 8)
	for rows.Next() {
		var z domain.DeliveryZone
		if err := rows.Scan(&z.ID, &z.Name, &z.Fee); err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return zones, nil
}

func (s *Store) GetDeliveryZone(ctx context.Context, id string) (*domain.DeliveryZone, error) {
	var z domain.DeliveryZone
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, fee FROM delivery_zones WHERE id = $1
	`, id).Scan(&z.ID, &z.Name, &z.Fee)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &z, nil
}

// SubmitOrder writes the order inside a serializable transaction. Product
// rows are locked so the stock re-check and decrement cannot interleave with
// another submission for the same products.
func (s *Store) SubmitOrder(ctx context.Context, draft domain.OrderDraft) (*domain.Order, error) {
	if draft.ID == "" || len(draft.Lines) == 0 || !draft.PaymentMethod.Valid() {
		return nil, store.ErrInvalidOrder
	}
	if draft.PaymentMethod == domain.PaymentCash {
		if !draft.CashGiven.Valid || draft.CashGiven.Decimal.LessThan(draft.Total) {
			return nil, store.ErrInvalidOrder
		}
	}

	return retrySerializable(ctx, serializableAttempts, func() (*domain.Order, error) {
		return s.submitOrderTx(ctx, draft)
	})
}

const serializableAttempts = 3

// retrySerializable reruns fn while Postgres aborts it with a serialization
// failure. Exhausted retries surface as store.ErrConflict.
func retrySerializable(ctx context.Context, attempts int, fn func() (*domain.Order, error)) (*domain.Order, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
			}
		}
		order, err := fn()
		if !isSerializationFailure(err) {
			return order, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("submit order after %d attempts: %w: %v", attempts, store.ErrConflict, lastErr)
}

func (s *Store) submitOrderTx(ctx context.Context, draft domain.OrderDraft) (*domain.Order, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var exists bool
	if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, draft.ID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		_ = pgTx.Rollback()
		return s.GetOrder(ctx, draft.ID)
	}

	var zoneName string
	err = pgTx.QueryRowContext(ctx, `SELECT name FROM delivery_zones WHERE id = $1`, draft.Zone.ID).Scan(&zoneName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("zone %s: %w", draft.Zone.ID, store.ErrInvalidOrder)
		}
		return nil, err
	}

	productRows, err := pgTx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		FOR UPDATE
	`, uniqueProductIDs(draft.Lines))
	if err != nil {
		return nil, err
	}
	productMap := make(map[string]domain.Product, len(draft.Lines))
	for productRows.Next() {
		p, err := scanProduct(productRows)
		if err != nil {
			_ = productRows.Close()
			return nil, err
		}
		productMap[p.ID] = p
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, err
	}
	_ = productRows.Close()

	lines := make([]domain.OrderLine, len(draft.Lines))
	demand := make(map[string]int, len(productMap))
	for i, line := range draft.Lines {
		if line.Quantity < 1 || !line.Unit.Valid() {
			return nil, store.ErrInvalidOrder
		}
		product, ok := productMap[line.ProductID]
		if !ok || !product.Active {
			return nil, fmt.Errorf("product %s unavailable: %w", line.ProductID, store.ErrInvalidOrder)
		}
		line.ConversionFactor = inventory.ConversionFactor(product, line.Unit)
		line.BaseUnits = line.Quantity * line.ConversionFactor
		lines[i] = line
		demand[line.ProductID] += line.BaseUnits
	}
	for productID, baseUnits := range demand {
		if productMap[productID].Stock < baseUnits {
			return nil, fmt.Errorf("product %s: %w", productID, store.ErrInsufficientStock)
		}
	}
	draft.Lines = lines

	customerID := draft.Customer.CustomerID
	if draft.PointsSpent > 0 {
		var points int
		err := pgTx.QueryRowContext(ctx, `
			SELECT points FROM loyalty_accounts WHERE customer_id = $1 FOR UPDATE
		`, customerID).Scan(&points)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if customerID == "" || errors.Is(err, sql.ErrNoRows) || points < draft.PointsSpent {
			return nil, fmt.Errorf("loyalty redemption for %q: %w", customerID, store.ErrInvalidOrder)
		}
	}

	for productID, baseUnits := range demand {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $1, updated_at = now()
			WHERE id = $2
		`, baseUnits, productID)
		if err != nil {
			return nil, err
		}
	}

	if customerID != "" && (draft.PointsSpent > 0 || draft.PointsEarned > 0) {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO loyalty_accounts (customer_id, points, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (customer_id)
			DO UPDATE SET points = loyalty_accounts.points + $3, updated_at = now()
		`, customerID, draft.PointsEarned, draft.PointsEarned-draft.PointsSpent)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.Zone.Name = zoneName
	order := domain.Order{OrderDraft: draft, Status: domain.OrderPending, UpdatedAt: now}

	var lat, lng sql.NullFloat64
	if loc := draft.Customer.Location; loc != nil {
		lat = sql.NullFloat64{Float64: loc.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: loc.Lng, Valid: true}
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_id, customer_name, customer_phone, customer_address, customer_notes,
			location_lat, location_lng, zone_id, zone_name, subtotal, delivery_fee, discount,
			coupon_code, points_redeemed, points_redeemed_value, points_spent, points_earned,
			total, payment_method, cash_given, change_due, transfer_reference, status,
			created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
	`, order.ID, nullIfEmpty(customerID), draft.Customer.Name, draft.Customer.Phone, draft.Customer.Address,
		nullIfEmpty(draft.Customer.Notes), lat, lng, draft.Zone.ID, draft.Zone.Name, draft.Subtotal,
		draft.DeliveryFee, draft.Discount, nullIfEmpty(draft.CouponCode), draft.PointsRedeemed,
		draft.PointsRedeemedValue, draft.PointsSpent, draft.PointsEarned, draft.Total, draft.PaymentMethod,
		draft.CashGiven, draft.ChangeDue, nullIfEmpty(draft.TransferReference), order.Status,
		order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			_ = pgTx.Rollback()
			return s.GetOrder(ctx, draft.ID)
		}
		return nil, err
	}

	for _, line := range order.Lines {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, name, unit, quantity, unit_price, conversion_factor, base_units, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, order.ID, line.ProductID, line.Name, line.Unit, line.Quantity, line.UnitPrice,
			line.ConversionFactor, line.BaseUnits, line.LineTotal)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var (
		order         domain.Order
		customerID    sql.NullString
		notes         sql.NullString
		couponCode    sql.NullString
		transferRef   sql.NullString
		lat, lng      sql.NullFloat64
		paymentMethod string
		status        string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, customer_name, customer_phone, customer_address, customer_notes,
			location_lat, location_lng, zone_id, zone_name, subtotal, delivery_fee, discount,
			coupon_code, points_redeemed, points_redeemed_value, points_spent, points_earned,
			total, payment_method, cash_given, change_due, transfer_reference, status,
			created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id).Scan(
		&order.ID, &customerID, &order.Customer.Name, &order.Customer.Phone, &order.Customer.Address, &notes,
		&lat, &lng, &order.Zone.ID, &order.Zone.Name, &order.Subtotal, &order.DeliveryFee, &order.Discount,
		&couponCode, &order.PointsRedeemed, &order.PointsRedeemedValue, &order.PointsSpent, &order.PointsEarned,
		&order.Total, &paymentMethod, &order.CashGiven, &order.ChangeDue, &transferRef, &status,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	order.Customer.CustomerID = customerID.String
	order.Customer.Notes = notes.String
	order.Customer.ZoneID = order.Zone.ID
	order.CouponCode = couponCode.String
	order.TransferReference = transferRef.String
	order.PaymentMethod = domain.PaymentMethod(paymentMethod)
	order.Status = domain.OrderStatus(status)
	order.Zone.Fee = order.DeliveryFee
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	if lat.Valid && lng.Valid {
		order.Customer.Location = &domain.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, unit, quantity, unit_price, conversion_factor, base_units, line_total
		FROM order_items
		WHERE order_id = $1
		ORDER BY id ASC
	`, order.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.OrderLine, 0, 8)
	for rows.Next() {
		var line domain.OrderLine
		var unit string
		if err := rows.Scan(&line.ProductID, &line.Name, &unit, &line.Quantity, &line.UnitPrice,
			&line.ConversionFactor, &line.BaseUnits, &line.LineTotal); err != nil {
			return nil, err
		}
		line.Unit = domain.SaleUnit(unit)
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	order.Lines = lines
	return &order, nil
}

// UpdateOrderStatus moves an order along its lifecycle. Cancelling returns
// the order's base units to stock in the same transaction.
func (s *Store) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	if !status.Valid() {
		return nil, store.ErrInvalidOrder
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var current string
	err = pgTx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	from := domain.OrderStatus(current)
	if !domain.CanTransition(from, status) {
		return nil, fmt.Errorf("%s to %s: %w", from, status, store.ErrInvalidTransition)
	}

	if status == domain.OrderCancelled {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE products p
			SET stock = p.stock + agg.units, updated_at = now()
			FROM (
				SELECT product_id, SUM(base_units) AS units
				FROM order_items
				WHERE order_id = $1
				GROUP BY product_id
			) agg
			WHERE p.id = agg.product_id
		`, id)
		if err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE orders SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, id)
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidOrder
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidOrder
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueProductIDs(lines []domain.OrderLine) []string {
	set := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			continue
		}
		set[line.ProductID] = struct{}{}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
