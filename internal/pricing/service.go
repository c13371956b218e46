package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-pricing/internal/money"
	"github.com/noah-isme/backend-pricing/internal/obs"
	"github.com/noah-isme/backend-pricing/internal/promotion"
	"github.com/noah-isme/backend-pricing/internal/rules"
)

// RuleEngine computes automatic discounts.
type RuleEngine interface {
	Apply(ctx context.Context, facts rules.Facts) (rules.Outcome, error)
}

// Promotions is the promotion behaviour the facade depends on.
type Promotions interface {
	Validate(ctx context.Context, code, userID string) (promotion.Promotion, error)
	ForProduct(ctx context.Context, category, brand string) ([]promotion.Promotion, error)
}

// PriceCache stores best prices per product.
type PriceCache interface {
	GetPrice(ctx context.Context, productID string) (decimal.Decimal, bool, error)
	SetPrice(ctx context.Context, productID string, price decimal.Decimal) error
	DeletePrices(ctx context.Context, productIDs ...string) error
	Clear(ctx context.Context) error
}

// Service is the pricing facade. It holds no state beyond the price cache.
type Service struct {
	Rules      RuleEngine
	Promotions Promotions
	Cache      PriceCache
	Logger     *zerolog.Logger
}

var inputValidator = newValidator()

// NewService wires a facade. cache may be nil.
func NewService(engine RuleEngine, promos Promotions, cache PriceCache, logger *zerolog.Logger) *Service {
	return &Service{Rules: engine, Promotions: promos, Cache: cache, Logger: logger}
}

// CalculateProductPrice returns the best display price for product: the
// minimum over every usable promotion scoped to it, never above list price
// and never below zero.
func (s *Service) CalculateProductPrice(ctx context.Context, product Product) (price decimal.Decimal, err error) {
	start := time.Now()
	ctx, span := obs.StartSpan(ctx, "pricing.product_price", attribute.String("product.id", product.ID))
	defer func() {
		obs.ObservePricing("product", resultLabel(err), time.Since(start))
		obs.EndSpan(span, err)
	}()

	if err := s.check(product); err != nil {
		return decimal.Zero, err
	}
	logger := obs.LoggerFrom(ctx, s.Logger)
	if s.Cache != nil {
		cached, ok, cacheErr := s.Cache.GetPrice(ctx, product.ID)
		switch {
		case cacheErr != nil:
			obs.IncCounter(obs.PriceCacheTotal, "error")
			obs.WithTrace(ctx, logger.Warn()).Err(cacheErr).Str("product_id", product.ID).Msg("price_cache_read_failed")
		case ok:
			obs.IncCounter(obs.PriceCacheTotal, "hit")
			return cached, nil
		default:
			obs.IncCounter(obs.PriceCacheTotal, "miss")
		}
	}

	list := money.Round(product.Price)
	if s.Promotions == nil {
		return list, nil
	}
	promos, promoErr := s.Promotions.ForProduct(ctx, product.Category, product.Brand)
	if promoErr != nil {
		obs.WithTrace(ctx, logger.Warn()).Err(promoErr).Str("product_id", product.ID).Msg("product_promotions_unavailable")
		return list, nil
	}
	best := BestPrice(list, promos)
	if s.Cache != nil {
		if err := s.Cache.SetPrice(ctx, product.ID, best); err != nil {
			obs.WithTrace(ctx, logger.Warn()).Err(err).Str("product_id", product.ID).Msg("price_cache_write_failed")
		}
	}
	return best, nil
}

// InvalidateProduct drops the cached best price of each product. Callers
// that change a product's price, category or brand must call it (or emit
// events.TopicProductUpdated) before the next CalculateProductPrice.
func (s *Service) InvalidateProduct(ctx context.Context, productIDs ...string) error {
	if s.Cache == nil || len(productIDs) == 0 {
		return nil
	}
	if err := s.Cache.DeletePrices(ctx, productIDs...); err != nil {
		return fmt.Errorf("pricing: invalidate products: %w", err)
	}
	return nil
}

// BestPrice folds promos over price and returns the lowest result.
func BestPrice(price decimal.Decimal, promos []promotion.Promotion) decimal.Decimal {
	best := price
	for _, p := range promos {
		if candidate := p.PriceAfter(price); candidate.LessThan(best) {
			best = candidate
		}
	}
	return best
}

// CalculateCartPricing prices a cart for display. A code that is invalid,
// ineligible or cannot be checked contributes nothing and is omitted.
func (s *Service) CalculateCartPricing(ctx context.Context, cart Cart, code string) (Result, error) {
	return s.price(ctx, "cart", cart, cart.UserID, code, false)
}

// CalculateCheckoutPricing prices a cart for a binding checkout. Promotion
// validation failures and store errors are returned.
func (s *Service) CalculateCheckoutPricing(ctx context.Context, cart Cart, userID, code string) (Result, error) {
	return s.price(ctx, "checkout", cart, userID, code, true)
}

func (s *Service) price(ctx context.Context, operation string, cart Cart, userID, code string, strict bool) (res Result, err error) {
	start := time.Now()
	ctx, span := obs.StartSpan(ctx, "pricing."+operation,
		attribute.Int("cart.items", len(cart.Items)),
		attribute.Bool("promotion.present", strings.TrimSpace(code) != ""),
	)
	defer func() {
		obs.ObservePricing(operation, resultLabel(err), time.Since(start))
		obs.EndSpan(span, err)
	}()

	if err := s.check(cart); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(userID) != "" {
		cart.UserID = strings.TrimSpace(userID)
	}
	facts := cart.Facts()
	discounts := s.automatic(ctx, facts)

	var applied *string
	if strings.TrimSpace(code) != "" {
		d, promoCode, err := s.promotionDiscount(ctx, code, cart.UserID, facts.CartTotal, strict)
		if err != nil {
			return Result{}, err
		}
		if promoCode != nil {
			discounts = append(discounts, d)
			applied = promoCode
		}
	}
	res = Summarize(facts.CartTotal, discounts, applied)
	obs.WithTrace(ctx, obs.LoggerFrom(ctx, s.Logger).Debug()).
		Str("operation", operation).
		Str("original_total", res.OriginalTotal.StringFixed(money.Scale)).
		Str("discount", res.DiscountAmount.StringFixed(money.Scale)).
		Str("final_total", res.FinalTotal.StringFixed(money.Scale)).
		Strs("applied", res.AppliedDiscounts).
		Msg("cart_priced")
	return res, nil
}

// automatic evaluates the rule engine. A failing rule store yields no
// automatic discount.
func (s *Service) automatic(ctx context.Context, facts rules.Facts) []AppliedDiscount {
	if s.Rules == nil {
		return nil
	}
	outcome, err := s.Rules.Apply(ctx, facts)
	if err != nil {
		if obs.AutomaticDiscountsDegraded != nil {
			obs.AutomaticDiscountsDegraded.Inc()
		}
		obs.WithTrace(ctx, obs.LoggerFrom(ctx, s.Logger).Error()).Err(err).Msg("automatic_discounts_degraded")
		return nil
	}
	out := make([]AppliedDiscount, 0, len(outcome.Applied))
	for _, a := range outcome.Applied {
		out = append(out, AppliedDiscount{Name: a.Name, Source: SourceRule, Amount: a.Amount})
	}
	return out
}

// promotionDiscount validates code and computes its contribution. A nil
// code means the promotion does not apply.
func (s *Service) promotionDiscount(ctx context.Context, code, userID string, total decimal.Decimal, strict bool) (AppliedDiscount, *string, error) {
	if s.Promotions == nil {
		if strict {
			return AppliedDiscount{}, nil, errors.New("pricing: promotions not configured")
		}
		return AppliedDiscount{}, nil, nil
	}
	p, err := s.Promotions.Validate(ctx, code, userID)
	if err != nil {
		if strict {
			return AppliedDiscount{}, nil, err
		}
		level := zerolog.DebugLevel
		if !promotion.IsValidation(err) {
			level = zerolog.WarnLevel
		}
		obs.WithTrace(ctx, obs.LoggerFrom(ctx, s.Logger).WithLevel(level)).Err(err).Str("code", promotion.NormalizeCode(code)).Msg("promotion_ignored")
		return AppliedDiscount{}, nil, nil
	}
	amount := p.DiscountFor(total)
	if !amount.IsPositive() {
		return AppliedDiscount{}, nil, nil
	}
	applied := p.Code
	return AppliedDiscount{Name: p.Name, Source: SourcePromotion, Amount: amount}, &applied, nil
}

func (s *Service) check(input any) error {
	return validateInput(inputValidator, input)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if promotion.IsValidation(err) {
		return "rejected"
	}
	var inputErr *InputError
	if errors.As(err, &inputErr) {
		return "invalid"
	}
	return "error"
}
