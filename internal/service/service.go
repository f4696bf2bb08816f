package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"farmacia/backend/internal/cache"
	"farmacia/backend/internal/checkout"
	"farmacia/backend/internal/domain"
	"farmacia/backend/internal/events"
	"farmacia/backend/internal/pricing"
	"farmacia/backend/internal/store"
	"farmacia/backend/internal/xid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrForbidden       = errors.New("admin role required")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Rules         pricing.Rules
	SessionTTL    time.Duration
	SubmitTimeout time.Duration
	Logger        *zap.Logger
}

type liveSession struct {
	sess *checkout.Session
	// persistMu orders snapshot writes so the cache never goes back to an
	// older state of the same session.
	persistMu sync.Mutex
}

type Service struct {
	repo       store.Repository
	calc       *pricing.Calculator
	sessions   cache.SessionCache
	publisher  events.Publisher
	submitter  *orderSubmitter
	logger     *zap.Logger
	sessionTTL time.Duration
	now        func() time.Time

	mu   sync.Mutex
	live map[string]*liveSession
}

func New(repo store.Repository, sessions cache.SessionCache, publisher events.Publisher, opts Options) (*Service, error) {
	calc, err := pricing.NewCalculator(opts.Rules)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = cache.NoopSessionCache{}
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 2 * time.Hour
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 10 * time.Second
	}

	return &Service{
		repo:       repo,
		calc:       calc,
		sessions:   sessions,
		publisher:  publisher,
		submitter:  newOrderSubmitter(repo, publisher, opts.SubmitTimeout, logger),
		logger:     logger,
		sessionTTL: opts.SessionTTL,
		now:        time.Now,
		live:       make(map[string]*liveSession),
	}, nil
}

func (s *Service) Rules() pricing.Rules {
	return s.calc.Rules()
}

// StartSession opens a checkout session. A customer ID attaches that
// customer's loyalty account; an unknown customer starts at zero points.
func (s *Service) StartSession(ctx context.Context, req domain.StartSessionRequest) (domain.SessionView, error) {
	sess := checkout.NewSession(xid.New("sess"), s.calc, s.repo, s.submitter)

	customerID := strings.TrimSpace(req.CustomerID)
	if customerID != "" {
		account, err := s.repo.GetAccount(ctx, customerID)
		if errors.Is(err, store.ErrNotFound) {
			account = &domain.LoyaltyAccount{CustomerID: customerID}
		} else if err != nil {
			return domain.SessionView{}, fmt.Errorf("load loyalty account: %w", err)
		}
		if err := sess.SetLoyaltyAccount(account); err != nil {
			return domain.SessionView{}, err
		}
	}

	entry := &liveSession{sess: sess}
	s.mu.Lock()
	s.live[sess.ID()] = entry
	s.mu.Unlock()
	s.persist(ctx, entry)

	s.logger.Info("checkout session started",
		zap.String("session_id", sess.ID()),
		zap.Bool("with_customer", customerID != ""))
	return sess.View(), nil
}

func (s *Service) GetSession(ctx context.Context, id string) (domain.SessionView, error) {
	entry, err := s.load(ctx, id)
	if err != nil {
		return domain.SessionView{}, err
	}
	return entry.sess.View(), nil
}

func (s *Service) DiscardSession(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.live[id]
	delete(s.live, id)
	s.mu.Unlock()

	if !ok {
		if _, err := s.sessions.Get(ctx, id); errors.Is(err, cache.ErrCacheMiss) {
			return ErrSessionNotFound
		}
	}
	if err := s.sessions.Delete(ctx, id); err != nil {
		s.logger.Warn("delete cached session failed", zap.String("session_id", id), zap.Error(err))
	}
	s.logger.Info("checkout session discarded", zap.String("session_id", id))
	return nil
}

func (s *Service) AddItem(ctx context.Context, id string, req domain.LineRequest) (domain.SessionView, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(req.ProductID))
	if err != nil {
		return domain.SessionView{}, err
	}
	return s.mutate(ctx, id, func(sess *checkout.Session) error {
		return sess.AddItem(*product, req.Unit)
	})
}

func (s *Service) IncrementItem(ctx context.Context, id string, key domain.LineKey) (domain.SessionView, error) {
	return s.mutate(ctx, id, func(sess *checkout.Session) error {
		return sess.Increment(key)
	})
}

func (s *Service) DecrementItem(ctx context.Context, id string, key domain.LineKey) (domain.SessionView, error) {
	return s.mutate(ctx, id, func(sess *checkout.Session) error {
		return sess.Decrement(key)
	})
}

func (s *Service) SwitchUnit(ctx context.Context, id string, req domain.SwitchUnitRequest) (domain.SessionView, error) {
	key := domain.LineKey{ProductID: req.ProductID, Unit: req.From}
	return s.mutate(ctx, id, func(sess *checkout.Session) error {
		return sess.SwitchUnit(key, req.To)
	})
}

func (s *Service) RemoveItem(ctx context.Context, id string, key domain.LineKey) (domain.SessionView, error) {
	return s.mutate(ctx, id, func(sess *checkout.Session) error {
		return sess.RemoveLine(key)
	})
}

// RefreshStock re-reads every carted product and replaces the stock
// snapshots. Lines no longer backed by stock are clamped by the cart.
func (s *Service) RefreshStock(ctx context.Context, id string) (domain.SessionView, error) {
	entry, err := s.load(ctx, id)
	if err != nil {
		return domain.SessionView{}, err
	}
	seen := make(map[string]struct{})
	products := make([]domain.Product, 0)
	for _, line := range entry.sess.Lines() {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		product, err := s.repo.GetProduct(ctx, line.ProductID)
		if err != nil {
			return domain.SessionView{}, err
		}
		products = append(products, *product)
	}
	return s.mutate(ctx, id, func(sess *checkout.Session) error {
		for _, p := range products {
			if _, err := sess.RefreshProduct(p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) SetDetails(ctx context.Context, id string, details domain.CustomerDetails) (domain.SessionView, error) {
	var zone *domain.DeliveryZone
	if zoneID := strings.TrimSpace(details.ZoneID); zoneID != "" {
		z, err := s.repo.GetDeliveryZone(ctx, zoneID)
		if errors.Is(err, store.ErrNotFound) {
			return domain.SessionView{}, &checkout.ValidationError{Field: "zone_id", Reason: fmt.Sprintf("unknown delivery zone %q", zoneID)}
		}
		if err != nil {
			return domain.SessionView{}, err
		}
		zone = z
	}
	return s.mutate(ctx, id, func(sess *checkout.Session) error {
		return sess.SetDetails(details, zone)
	})
}

func (s *Service) Advance(ctx context.Context, id string) (domain.SessionView, error) {
	return s.mutate(ctx, id, func(sess *checkout.Session) error {
		return sess.Advance()
	})
}

func (s *Service) Back(ctx context.Context, id string) (domain.SessionView, error) {
	return s.mutate(ctx, id, func(sess *checkout.Session) error {
		return sess.Back()
	})
}

// SetPayment records the payment method and its inputs. Cash given is only
// read for CASH and the reference only for TRANSFER.
func (s *Service) SetPayment(ctx context.Context, id string, req domain.PaymentRequest) (domain.SessionView, error) {
	return s.mutate(ctx, id, func(sess *checkout.Session) error {
		if err := sess.SetPaymentMethod(req.Method); err != nil {
			return err
		}
		switch req.Method {
		case domain.PaymentCash:
			if req.CashGiven == nil {
				return sess.ClearCashGiven()
			}
			return sess.SetCashGiven(*req.CashGiven)
		case domain.PaymentTransfer:
			return sess.SetTransferReference(req.TransferReference)
		}
		return nil
	})
}

func (s *Service) ApplyCoupon(ctx context.Context, id string, code string) (domain.SessionView, error) {
	return s.mutate(ctx, id, func(sess *checkout.Session) error {
		return sess.ApplyCoupon(ctx, code)
	})
}

func (s *Service) RemoveCoupon(ctx context.Context, id string) (domain.SessionView, error) {
	return s.mutate(ctx, id, func(sess *checkout.Session) error {
		return sess.RemoveCoupon()
	})
}

func (s *Service) SetRedemption(ctx context.Context, id string, use bool) (domain.SessionView, error) {
	return s.mutate(ctx, id, func(sess *checkout.Session) error {
		_, err := sess.SetUsePoints(use)
		return err
	})
}

// Submit hands the session's order to the store. The snapshot is written
// whatever the outcome so a failed attempt is restored in PAYMENT.
func (s *Service) Submit(ctx context.Context, id string) (domain.SubmitResponse, error) {
	entry, err := s.load(ctx, id)
	if err != nil {
		return domain.SubmitResponse{}, err
	}

	orderID, err := entry.sess.Submit(ctx)
	s.persist(ctx, entry)
	if err != nil {
		var subErr *checkout.SubmissionError
		if errors.As(err, &subErr) {
			s.logger.Warn("order submission failed",
				zap.String("session_id", id),
				zap.Error(subErr.Err))
		}
		return domain.SubmitResponse{}, err
	}

	s.logger.Info("order submitted",
		zap.String("session_id", id),
		zap.String("order_id", orderID))
	return domain.SubmitResponse{OrderID: orderID, Session: entry.sess.View()}, nil
}

// Catalog lists active products with their box option. With a session ID,
// Available reflects what that session can still add.
func (s *Service) Catalog(ctx context.Context, sessionID string) ([]domain.CatalogItem, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	var sess *checkout.Session
	if sessionID != "" {
		entry, err := s.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		sess = entry.sess
	}

	items := make([]domain.CatalogItem, 0, len(products))
	for _, p := range products {
		if !p.Active {
			continue
		}
		item := domain.CatalogItem{
			Product:      p,
			HasBoxOption: pricing.HasBoxOption(p),
			Available:    p.Stock,
		}
		if item.HasBoxOption {
			price, source := pricing.BoxSalePrice(p)
			item.BoxSalePrice = domain.RoundMoney(price)
			item.BoxPriceFrom = string(source)
		}
		if sess != nil {
			item.Available = sess.AvailableFor(p)
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Product.Name < items[j].Product.Name
	})
	return items, nil
}

func (s *Service) ListDeliveryZones(ctx context.Context) ([]domain.DeliveryZone, error) {
	return s.repo.ListDeliveryZones(ctx)
}

func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) (domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Order{}, ErrForbidden
	}
	if !status.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", store.ErrInvalidTransition, status)
	}

	before, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	updated, err := s.repo.UpdateOrderStatus(ctx, id, status)
	if err != nil {
		return domain.Order{}, err
	}

	s.logger.Info("order status changed",
		zap.String("order_id", id),
		zap.String("from", string(before.Status)),
		zap.String("to", string(updated.Status)),
		zap.String("actor", actor.Username))
	if err := s.publisher.PublishOrderStatusChanged(ctx, *updated, before.Status); err != nil {
		s.logger.Warn("status change event not published", zap.String("order_id", id), zap.Error(err))
	}
	return *updated, nil
}

// PruneIdle drops in-memory sessions untouched for longer than the session
// TTL. Their cached snapshots expire on their own.
func (s *Service) PruneIdle() int {
	cutoff := s.now().UTC().Add(-s.sessionTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, entry := range s.live {
		if entry.sess.UpdatedAt().Before(cutoff) {
			delete(s.live, id)
			pruned++
		}
	}
	return pruned
}

// RunJanitor prunes idle sessions every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.PruneIdle(); n > 0 {
				s.logger.Info("idle sessions pruned", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*checkout.Session) error) (domain.SessionView, error) {
	entry, err := s.load(ctx, id)
	if err != nil {
		return domain.SessionView{}, err
	}
	if err := fn(entry.sess); err != nil {
		if !checkout.IsUserError(err) {
			s.logger.Error("session operation failed", zap.String("session_id", id), zap.Error(err))
		}
		return domain.SessionView{}, err
	}
	s.persist(ctx, entry)
	return entry.sess.View(), nil
}

// load returns the live session, restoring it from the session cache when
// this process has not seen it.
func (s *Service) load(ctx context.Context, id string) (*liveSession, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	entry, ok := s.live[id]
	s.mu.Unlock()
	if ok {
		return entry, nil
	}

	snap, err := s.sessions.Get(ctx, id)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	sess, err := checkout.Restore(*snap, s.calc, s.repo, s.submitter)
	if err != nil {
		s.logger.Warn("cached session discarded", zap.String("session_id", id), zap.Error(err))
		_ = s.sessions.Delete(ctx, id)
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.live[id]; ok {
		return existing, nil
	}
	entry = &liveSession{sess: sess}
	s.live[id] = entry
	s.logger.Info("checkout session restored", zap.String("session_id", id), zap.String("state", string(sess.State())))
	return entry, nil
}

func (s *Service) persist(ctx context.Context, entry *liveSession) {
	entry.persistMu.Lock()
	defer entry.persistMu.Unlock()
	snap := entry.sess.Snapshot()
	if err := s.sessions.Set(ctx, snap, s.sessionTTL); err != nil {
		s.logger.Warn("session snapshot not cached", zap.String("session_id", snap.ID), zap.Error(err))
	}
}
