package promotion

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/events"
	"github.com/noah-isme/backend-pricing/internal/money"
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Request is the admin input for creating or replacing a promotion. Money
// fields are decimal strings.
type Request struct {
	Name              string    `json:"name" yaml:"name"`
	Description       string    `json:"description" yaml:"description"`
	Code              string    `json:"code" yaml:"code"`
	DiscountType      string    `json:"discountType" yaml:"discount_type"`
	DiscountValue     string    `json:"discountValue" yaml:"discount_value"`
	MinOrderAmount    string    `json:"minOrderAmount" yaml:"min_order_amount"`
	MaxDiscountAmount string    `json:"maxDiscountAmount" yaml:"max_discount_amount"`
	UsageLimit        *int      `json:"usageLimit" yaml:"usage_limit"`
	StartsAt          time.Time `json:"startsAt" yaml:"starts_at"`
	EndsAt            time.Time `json:"endsAt" yaml:"ends_at"`
	Active            *bool     `json:"active" yaml:"active"`
	Category          string    `json:"category" yaml:"category"`
	Brand             string    `json:"brand" yaml:"brand"`
}

// Validate checks the request fields.
func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.Code,
			validation.Required,
			validation.Length(3, 50),
			validation.Match(codePattern).Error("code may contain letters, digits, '-' and '_' only"),
		),
		validation.Field(&r.DiscountType, validation.Required, validation.By(func(any) error {
			if !money.ParseDiscountType(r.DiscountType).Valid() {
				return errors.New("must be PERCENTAGE or FIXED_AMOUNT")
			}
			return nil
		})),
		validation.Field(&r.DiscountValue, validation.Required, validation.By(decimalRule(true)), validation.By(func(any) error {
			if money.ParseDiscountType(r.DiscountType) != money.Percentage {
				return nil
			}
			v, err := money.Parse(r.DiscountValue)
			if err == nil && v != nil && v.GreaterThan(hundredPercent) {
				return errors.New("percentage must not exceed 100")
			}
			return nil
		})),
		validation.Field(&r.MinOrderAmount, validation.By(decimalRule(false))),
		validation.Field(&r.MaxDiscountAmount, validation.By(decimalRule(false))),
		validation.Field(&r.UsageLimit, validation.When(r.UsageLimit != nil, validation.By(func(any) error {
			if *r.UsageLimit < 0 {
				return errors.New("must not be negative")
			}
			return nil
		}))),
		validation.Field(&r.StartsAt, validation.Required),
		validation.Field(&r.EndsAt, validation.Required, validation.By(func(any) error {
			if r.EndsAt.Before(r.StartsAt) {
				return errors.New("must not be before startsAt")
			}
			return nil
		})),
	)
}

var hundredPercent = decimal.NewFromInt(100)

func decimalRule(required bool) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		d, err := money.Parse(s)
		if err != nil {
			return errors.New("must be a decimal number")
		}
		if d == nil {
			if required {
				return errors.New("is required")
			}
			return nil
		}
		if d.IsNegative() {
			return errors.New("must not be negative")
		}
		return nil
	}
}

// apply copies the request onto p. The request must be valid.
func (r Request) apply(p Promotion) Promotion {
	value, _ := money.Parse(r.DiscountValue)
	minOrder, _ := money.Parse(r.MinOrderAmount)
	maxDiscount, _ := money.Parse(r.MaxDiscountAmount)
	p.Name = strings.TrimSpace(r.Name)
	p.Description = strings.TrimSpace(r.Description)
	p.Code = NormalizeCode(r.Code)
	p.DiscountType = money.ParseDiscountType(r.DiscountType)
	p.DiscountValue = *value
	p.MinOrderAmount = minOrder
	p.MaxDiscountAmount = maxDiscount
	p.UsageLimit = r.UsageLimit
	p.StartsAt = r.StartsAt.UTC()
	p.EndsAt = r.EndsAt.UTC()
	p.Active = r.Active == nil || *r.Active
	p.Category = optional(r.Category)
	p.Brand = optional(r.Brand)
	return p
}

func optional(s string) *string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// Create stores a new promotion. Codes are unique case-insensitively.
func (s *Service) Create(ctx context.Context, req Request) (Promotion, error) {
	if s == nil || s.Store == nil {
		return Promotion{}, errors.New("promotion service not configured")
	}
	if err := req.Validate(); err != nil {
		return Promotion{}, err
	}
	code := NormalizeCode(req.Code)
	if _, err := s.Store.FindByCode(ctx, code); err == nil {
		return Promotion{}, fmt.Errorf("%w: %s", ErrDuplicateCode, code)
	} else if !errors.Is(err, ErrNotFound) {
		return Promotion{}, fmt.Errorf("promotion: lookup %s: %w", code, err)
	}
	now := s.now().UTC()
	p := req.apply(Promotion{ID: uuid.New(), CreatedAt: now, UpdatedAt: now})
	created, err := s.Store.CreatePromotion(ctx, p)
	if err != nil {
		return Promotion{}, fmt.Errorf("promotion: create %s: %w", code, err)
	}
	s.emitChanged(ctx, events.TopicPromotionCreated, created)
	return created, nil
}

// Update replaces the mutable fields of an existing promotion. The used
// count is preserved.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req Request) (Promotion, error) {
	if s == nil || s.Store == nil {
		return Promotion{}, errors.New("promotion service not configured")
	}
	if err := req.Validate(); err != nil {
		return Promotion{}, err
	}
	current, err := s.Store.FindByID(ctx, id)
	if err != nil {
		return Promotion{}, err
	}
	code := NormalizeCode(req.Code)
	if code != current.Code {
		if other, err := s.Store.FindByCode(ctx, code); err == nil && other.ID != id {
			return Promotion{}, fmt.Errorf("%w: %s", ErrDuplicateCode, code)
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return Promotion{}, fmt.Errorf("promotion: lookup %s: %w", code, err)
		}
	}
	next := req.apply(current)
	next.UpdatedAt = s.now().UTC()
	updated, err := s.Store.UpdatePromotion(ctx, next)
	if err != nil {
		return Promotion{}, fmt.Errorf("promotion: update %s: %w", id, err)
	}
	s.emitChanged(ctx, events.TopicPromotionUpdated, updated)
	return updated, nil
}

// Lookup returns the promotion for code whether or not it is currently valid.
func (s *Service) Lookup(ctx context.Context, code string) (Promotion, error) {
	if s == nil || s.Store == nil {
		return Promotion{}, errors.New("promotion service not configured")
	}
	return s.Store.FindByCode(ctx, NormalizeCode(code))
}

// Deactivate soft-deletes a promotion. Usage history is kept.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.Store == nil {
		return errors.New("promotion service not configured")
	}
	current, err := s.Store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if !current.Active {
		return nil
	}
	current.Active = false
	current.UpdatedAt = s.now().UTC()
	updated, err := s.Store.UpdatePromotion(ctx, current)
	if err != nil {
		return fmt.Errorf("promotion: deactivate %s: %w", id, err)
	}
	s.emitChanged(ctx, events.TopicPromotionDeactivated, updated)
	return nil
}

func (s *Service) emitChanged(ctx context.Context, topic string, p Promotion) {
	s.emit(ctx, topic, p.ID.String(), events.PromotionChangedPayload{
		PromotionID: p.ID.String(),
		Code:        p.Code,
		Active:      p.Active,
	})
}
