package pricing

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/rules"
)

// CartItem is a snapshot of one cart line.
type CartItem struct {
	ProductID string          `json:"productId" validate:"required"`
	Quantity  int             `json:"quantity" validate:"gte=0"`
	UnitPrice decimal.Decimal `json:"unitPrice" validate:"gte=0"`
	Category  string          `json:"category,omitempty"`
	Brand     string          `json:"brand,omitempty"`
}

// Cart is the snapshot passed in by the cart collaborator.
type Cart struct {
	UserID string     `json:"userId"`
	Items  []CartItem `json:"items" validate:"dive"`
}

// Product is the snapshot used for display pricing.
type Product struct {
	ID       string          `json:"id" validate:"required"`
	Price    decimal.Decimal `json:"price" validate:"gte=0"`
	Category string          `json:"category,omitempty"`
	Brand    string          `json:"brand,omitempty"`
}

// Facts derives the rule engine's view of the cart.
func (c Cart) Facts() rules.Facts {
	lines := make([]rules.Line, 0, len(c.Items))
	for _, it := range c.Items {
		lines = append(lines, rules.Line{Quantity: it.Quantity, UnitPrice: it.UnitPrice, Category: it.Category})
	}
	return rules.FactsFromLines(c.UserID, lines)
}

// InputError reports a malformed cart or product snapshot.
type InputError struct {
	Fields []string
	err    error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("pricing: invalid input: %s", strings.Join(e.Fields, ", "))
}

func (e *InputError) Unwrap() error { return e.err }

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

func validateInput(v *validator.Validate, input any) error {
	err := v.Struct(input)
	if err == nil {
		return nil
	}
	var fields []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s %s", fe.Namespace(), fe.Tag()))
		}
	} else {
		fields = []string{err.Error()}
	}
	return &InputError{Fields: fields, err: err}
}
