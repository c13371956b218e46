package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/checkout"
	"github.com/noah-isme/backend-pricing/internal/events"
	"github.com/noah-isme/backend-pricing/internal/money"
	"github.com/noah-isme/backend-pricing/internal/obs"
	"github.com/noah-isme/backend-pricing/internal/pricing"
	"github.com/noah-isme/backend-pricing/internal/promotion"
	"github.com/noah-isme/backend-pricing/internal/rules"
)

// ErrStoreUnavailable indicates the database pool is not configured.
var ErrStoreUnavailable = errors.New("repo: store unavailable")

const uniqueViolation = "23505"

// NewPool opens a traced pgx pool. maxConns <= 0 keeps the driver default.
func NewPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("repo: parse database url: %w", err)
	}
	cfg.ConnConfig.Tracer = obs.PGXTracer{}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("repo: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("repo: ping: %w", err)
	}
	return pool, nil
}

// PostgresStore persists rules, promotions, the usage ledger, orders and
// events. Numeric columns travel as text to keep decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying pool.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) ready() error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	return nil
}

// withTx runs fn in a transaction, committing on success.
func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const ruleColumns = `id, name, description, rule_type, condition_field, condition_operator, condition_value,
discount_type, discount_value::text, priority, active, starts_at, ends_at, created_at`

// ActiveRules implements rules.Store.
func (s *PostgresStore) ActiveRules(ctx context.Context, now time.Time) ([]rules.DiscountRule, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM discount_rules
WHERE active AND (starts_at IS NULL OR starts_at <= $1) AND (ends_at IS NULL OR ends_at >= $1)
ORDER BY priority DESC, created_at, id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rules.DiscountRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRule(row pgx.Row) (rules.DiscountRule, error) {
	var (
		r                        rules.DiscountRule
		ruleType, operator, kind string
		value                    string
		startsAt, endsAt         *time.Time
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &ruleType, &r.ConditionField, &operator, &r.ConditionValue,
		&kind, &value, &r.Priority, &r.Active, &startsAt, &endsAt, &r.CreatedAt); err != nil {
		return rules.DiscountRule{}, err
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return rules.DiscountRule{}, fmt.Errorf("repo: rule %s discount value: %w", r.ID, err)
	}
	r.Type = rules.RuleType(ruleType)
	r.ConditionOperator = rules.Operator(operator)
	r.DiscountType = money.DiscountType(kind)
	r.DiscountValue = amount
	r.StartsAt, r.EndsAt = startsAt, endsAt
	return r, nil
}

// UpsertRule inserts or replaces a rule by ID.
func (s *PostgresStore) UpsertRule(ctx context.Context, r rules.DiscountRule) error {
	if err := s.ready(); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO discount_rules (id, name, description, rule_type, condition_field,
condition_operator, condition_value, discount_type, discount_value, priority, active, starts_at, ends_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description,
rule_type = EXCLUDED.rule_type, condition_field = EXCLUDED.condition_field,
condition_operator = EXCLUDED.condition_operator, condition_value = EXCLUDED.condition_value,
discount_type = EXCLUDED.discount_type, discount_value = EXCLUDED.discount_value,
priority = EXCLUDED.priority, active = EXCLUDED.active, starts_at = EXCLUDED.starts_at, ends_at = EXCLUDED.ends_at`,
		r.ID, r.Name, r.Description, string(r.Type), r.ConditionField, string(r.ConditionOperator), r.ConditionValue,
		string(r.DiscountType), r.DiscountValue.String(), r.Priority, r.Active, r.StartsAt, r.EndsAt, r.CreatedAt)
	return err
}

const promotionColumns = `id, name, description, code, discount_type, discount_value::text, min_order_amount::text,
max_discount_amount::text, usage_limit, used_count, starts_at, ends_at, active, category, brand, created_at, updated_at`

func scanPromotion(row pgx.Row) (promotion.Promotion, error) {
	var (
		p                     promotion.Promotion
		kind, value           string
		minOrder, maxDiscount *string
		usageLimit            *int32
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Code, &kind, &value, &minOrder, &maxDiscount,
		&usageLimit, &p.UsedCount, &p.StartsAt, &p.EndsAt, &p.Active, &p.Category, &p.Brand, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return promotion.Promotion{}, promotion.ErrNotFound
		}
		return promotion.Promotion{}, err
	}
	p.DiscountType = money.DiscountType(kind)
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return promotion.Promotion{}, fmt.Errorf("repo: promotion %s discount value: %w", p.Code, err)
	}
	p.DiscountValue = amount
	if p.MinOrderAmount, err = optionalDecimal(minOrder); err != nil {
		return promotion.Promotion{}, fmt.Errorf("repo: promotion %s min order: %w", p.Code, err)
	}
	if p.MaxDiscountAmount, err = optionalDecimal(maxDiscount); err != nil {
		return promotion.Promotion{}, fmt.Errorf("repo: promotion %s max discount: %w", p.Code, err)
	}
	if usageLimit != nil {
		limit := int(*usageLimit)
		p.UsageLimit = &limit
	}
	return p, nil
}

func optionalDecimal(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	return money.Parse(*raw)
}

func optionalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// FindByCode implements promotion.Store.
func (s *PostgresStore) FindByCode(ctx context.Context, code string) (promotion.Promotion, error) {
	if err := s.ready(); err != nil {
		return promotion.Promotion{}, err
	}
	return scanPromotion(s.pool.QueryRow(ctx, `SELECT `+promotionColumns+` FROM promotions WHERE code = $1`, promotion.NormalizeCode(code)))
}

// FindByID implements promotion.Store.
func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (promotion.Promotion, error) {
	if err := s.ready(); err != nil {
		return promotion.Promotion{}, err
	}
	return scanPromotion(s.pool.QueryRow(ctx, `SELECT `+promotionColumns+` FROM promotions WHERE id = $1`, id))
}

// ListActive implements promotion.Store.
func (s *PostgresStore) ListActive(ctx context.Context, now time.Time) ([]promotion.Promotion, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+promotionColumns+` FROM promotions
WHERE active AND starts_at <= $1 AND ends_at >= $1 ORDER BY code`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []promotion.Promotion
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePromotion implements promotion.Store.
func (s *PostgresStore) CreatePromotion(ctx context.Context, p promotion.Promotion) (promotion.Promotion, error) {
	if err := s.ready(); err != nil {
		return promotion.Promotion{}, err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	created, err := scanPromotion(s.pool.QueryRow(ctx, `INSERT INTO promotions (id, name, description, code,
discount_type, discount_value, min_order_amount, max_discount_amount, usage_limit, used_count, starts_at, ends_at,
active, category, brand, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11, $12, $13, $14, $15, $16, $17)
RETURNING `+promotionColumns, promotionArgs(p)...))
	if isUniqueViolation(err) {
		return promotion.Promotion{}, fmt.Errorf("%w: %s", promotion.ErrDuplicateCode, p.Code)
	}
	return created, err
}

// UpdatePromotion implements promotion.Store. used_count is owned by the
// ledger and never overwritten here.
func (s *PostgresStore) UpdatePromotion(ctx context.Context, p promotion.Promotion) (promotion.Promotion, error) {
	if err := s.ready(); err != nil {
		return promotion.Promotion{}, err
	}
	args := promotionArgs(p)
	// used_count (index 9) and created_at (index 15) are not updatable.
	updateArgs := append(append(args[:9:9], args[10:15]...), args[16])
	updated, err := scanPromotion(s.pool.QueryRow(ctx, `UPDATE promotions SET name = $2, description = $3, code = $4,
discount_type = $5, discount_value = $6::numeric, min_order_amount = $7::numeric, max_discount_amount = $8::numeric,
usage_limit = $9, starts_at = $10, ends_at = $11, active = $12, category = $13, brand = $14, updated_at = $15
WHERE id = $1
RETURNING `+promotionColumns, updateArgs...))
	if isUniqueViolation(err) {
		return promotion.Promotion{}, fmt.Errorf("%w: %s", promotion.ErrDuplicateCode, p.Code)
	}
	return updated, err
}

func promotionArgs(p promotion.Promotion) []any {
	var usageLimit *int32
	if p.UsageLimit != nil {
		v := int32(*p.UsageLimit)
		usageLimit = &v
	}
	return []any{
		p.ID, p.Name, p.Description, promotion.NormalizeCode(p.Code), string(p.DiscountType), p.DiscountValue.String(),
		optionalText(p.MinOrderAmount), optionalText(p.MaxDiscountAmount), usageLimit, p.UsedCount,
		p.StartsAt, p.EndsAt, p.Active, p.Category, p.Brand, p.CreatedAt, p.UpdatedAt,
	}
}

const usageColumns = `id, user_id, promotion_id, order_id, discount_amount::text, used_at`

func scanUsage(row pgx.Row, code string) (promotion.UsageRecord, error) {
	var (
		rec    promotion.UsageRecord
		amount string
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.PromotionID, &rec.OrderID, &amount, &rec.UsedAt); err != nil {
		return promotion.UsageRecord{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return promotion.UsageRecord{}, fmt.Errorf("repo: usage %s amount: %w", rec.ID, err)
	}
	rec.DiscountAmount = d
	rec.Code = code
	return rec, nil
}

// HasUsed implements promotion.Ledger.
func (s *PostgresStore) HasUsed(ctx context.Context, userID string, promotionID uuid.UUID) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	var used bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM promotion_usages WHERE user_id = $1 AND promotion_id = $2)`,
		userID, promotionID).Scan(&used)
	return used, err
}

// UsageByUser implements promotion.Ledger.
func (s *PostgresStore) UsageByUser(ctx context.Context, userID string) ([]promotion.UsageRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT u.id, u.user_id, u.promotion_id, u.order_id, u.discount_amount::text, u.used_at, p.code
FROM promotion_usages u JOIN promotions p ON p.id = u.promotion_id
WHERE u.user_id = $1 ORDER BY u.used_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []promotion.UsageRecord
	for rows.Next() {
		var (
			rec    promotion.UsageRecord
			amount string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.PromotionID, &rec.OrderID, &amount, &rec.UsedAt, &rec.Code); err != nil {
			return nil, err
		}
		if rec.DiscountAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("repo: usage %s amount: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReserveUsage implements promotion.Ledger. The promotion row is locked for
// the duration of the transaction so concurrent reservations for one code
// are serialised by Postgres.
func (s *PostgresStore) ReserveUsage(ctx context.Context, r promotion.Reservation) (promotion.Reserved, error) {
	if err := s.ready(); err != nil {
		return promotion.Reserved{}, err
	}
	var out promotion.Reserved
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		p, err := scanPromotion(tx.QueryRow(ctx, `SELECT `+promotionColumns+` FROM promotions WHERE code = $1 FOR UPDATE`,
			promotion.NormalizeCode(r.Code)))
		if err != nil {
			return err
		}
		existing, err := scanUsage(tx.QueryRow(ctx, `SELECT `+usageColumns+` FROM promotion_usages
WHERE promotion_id = $1 AND order_id = $2`, p.ID, r.OrderID), p.Code)
		switch {
		case err == nil:
			out = promotion.Reserved{Record: existing, Promotion: p, Replayed: true}
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}
		var used bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM promotion_usages WHERE user_id = $1 AND promotion_id = $2)`,
			r.UserID, p.ID).Scan(&used); err != nil {
			return err
		}
		if used {
			return &promotion.ValidationError{Reason: promotion.ReasonAlreadyUsed, Code: p.Code}
		}
		if p.Exhausted() {
			return &promotion.ValidationError{Reason: promotion.ReasonLimitExceeded, Code: p.Code}
		}
		rec, err := scanUsage(tx.QueryRow(ctx, `INSERT INTO promotion_usages (id, user_id, promotion_id, order_id, discount_amount, used_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6) RETURNING `+usageColumns,
			uuid.New(), r.UserID, p.ID, r.OrderID, r.DiscountAmount.String(), r.UsedAt), p.Code)
		if err != nil {
			if isUniqueViolation(err) {
				return &promotion.ValidationError{Reason: promotion.ReasonAlreadyUsed, Code: p.Code}
			}
			return err
		}
		if err := tx.QueryRow(ctx, `UPDATE promotions SET used_count = used_count + 1, updated_at = $2
WHERE id = $1 RETURNING used_count, updated_at`, p.ID, r.UsedAt).Scan(&p.UsedCount, &p.UpdatedAt); err != nil {
			return err
		}
		out = promotion.Reserved{Record: rec, Promotion: p}
		return nil
	})
	if err != nil {
		return promotion.Reserved{}, err
	}
	return out, nil
}

// InsertEvent implements events.EventStore.
func (s *PostgresStore) InsertEvent(ctx context.Context, ev events.Event) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO domain_events (id, topic, aggregate_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5)`, ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload), ev.OccurredAt)
	return err
}

// CreateOrder implements checkout.OrderWriter.
func (s *PostgresStore) CreateOrder(ctx context.Context, o checkout.Order) (checkout.Order, error) {
	if err := s.ready(); err != nil {
		return checkout.Order{}, err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	encoded, err := json.Marshal(o.Pricing)
	if err != nil {
		return checkout.Order{}, fmt.Errorf("repo: encode pricing: %w", err)
	}
	var code *string
	if o.PromotionCode != "" {
		code = &o.PromotionCode
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO orders (id, user_id, original_total, discount_amount, final_total,
promotion_code, usage_pending, pricing, created_at)
VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8, $9)`,
		o.ID, o.UserID, o.Pricing.OriginalTotal.String(), o.Pricing.DiscountAmount.String(), o.Pricing.FinalTotal.String(),
		code, o.UsagePending, encoded, o.CreatedAt)
	if err != nil {
		return checkout.Order{}, err
	}
	return o, nil
}

// DetachPromotion implements checkout.OrderWriter.
func (s *PostgresStore) DetachPromotion(ctx context.Context, orderID string, repriced pricing.Result) error {
	if err := s.ready(); err != nil {
		return err
	}
	encoded, err := json.Marshal(repriced)
	if err != nil {
		return fmt.Errorf("repo: encode pricing: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE orders SET original_total = $2::numeric, discount_amount = $3::numeric,
final_total = $4::numeric, promotion_code = NULL, pricing = $5 WHERE id = $1`,
		orderID, repriced.OriginalTotal.String(), repriced.DiscountAmount.String(), repriced.FinalTotal.String(), encoded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// MarkUsagePending flags an order whose usage reservation was escalated.
func (s *PostgresStore) MarkUsagePending(ctx context.Context, orderID string, pending bool) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `UPDATE orders SET usage_pending = $2 WHERE id = $1`, orderID, pending)
	return err
}

// Order returns a stored order.
func (s *PostgresStore) Order(ctx context.Context, id string) (checkout.Order, error) {
	if err := s.ready(); err != nil {
		return checkout.Order{}, err
	}
	var (
		o       checkout.Order
		code    *string
		encoded []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT id, user_id, promotion_code, usage_pending, pricing, created_at FROM orders WHERE id = $1`, id).
		Scan(&o.ID, &o.UserID, &code, &o.UsagePending, &encoded, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return checkout.Order{}, ErrOrderNotFound
		}
		return checkout.Order{}, err
	}
	if code != nil {
		o.PromotionCode = *code
	}
	if err := json.Unmarshal(encoded, &o.Pricing); err != nil {
		return checkout.Order{}, fmt.Errorf("repo: decode pricing: %w", err)
	}
	return o, nil
}

// UserFacts implements rules.UserFactSource.
func (s *PostgresStore) UserFacts(ctx context.Context, userID string) (rules.UserFacts, error) {
	if err := s.ready(); err != nil {
		return rules.UserFacts{}, err
	}
	var (
		count  int64
		points *string
	)
	err := s.pool.QueryRow(ctx, `SELECT
(SELECT count(*) FROM orders WHERE user_id = $1),
(SELECT points::text FROM loyalty_accounts WHERE user_id = $1)`, userID).Scan(&count, &points)
	if err != nil {
		return rules.UserFacts{}, err
	}
	facts := rules.UserFacts{PriorOrders: &count}
	if facts.LoyaltyPoints, err = optionalDecimal(points); err != nil {
		return rules.UserFacts{}, fmt.Errorf("repo: loyalty points: %w", err)
	}
	return facts, nil
}

// SetLoyaltyPoints upserts a user's loyalty balance.
func (s *PostgresStore) SetLoyaltyPoints(ctx context.Context, userID string, points decimal.Decimal) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO loyalty_accounts (user_id, points, updated_at) VALUES ($1, $2::numeric, now())
ON CONFLICT (user_id) DO UPDATE SET points = EXCLUDED.points, updated_at = now()`, userID, points.String())
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
