// Command pricing evaluates carts, products and promotion codes against the
// configured stores and prints JSON results.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pricing/internal/app"
	"github.com/noah-isme/backend-pricing/internal/checkout"
	"github.com/noah-isme/backend-pricing/internal/config"
	"github.com/noah-isme/backend-pricing/internal/obs"
	"github.com/noah-isme/backend-pricing/internal/pricing"
	"github.com/noah-isme/backend-pricing/internal/promotion"
	"github.com/noah-isme/backend-pricing/internal/seed"
)

const usage = `usage: pricing <command> [flags]

commands:
  price          price a cart read from -cart (JSON, "-" for stdin)
  product-price  best display price for a product read from -product
  validate       check a promotion code for a user
  track          reserve a promotion for an order
  checkout       strict pricing, order creation and usage tracking

every command accepts -pack to load a YAML rule and promotion pack first`

// errUsage marks invocation mistakes; main exits with status 2 for them.
var errUsage = errors.New("usage")

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := obs.NewLoggerTo(os.Stderr, cfg.LogFormat, cfg.LogLevel).With().Str("component", "cli").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type cli struct {
	graph  *app.App
	stdin  io.Reader
	stdout io.Writer
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w\n%s", errUsage, usage)
	}
	command, rest := args[0], args[1:]

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	packPath := fs.String("pack", "", "YAML pack loaded before the command runs")
	cartPath := fs.String("cart", "-", "cart JSON file")
	productPath := fs.String("product", "-", "product JSON file")
	code := fs.String("code", "", "promotion code")
	userID := fs.String("user", "", "user id")
	orderID := fs.String("order", "", "order id")
	amount := fs.String("amount", "0", "discount amount to record")
	strict := fs.Bool("strict", false, "fail instead of ignoring an ineligible promotion")
	if err := fs.Parse(rest); err != nil {
		return fmt.Errorf("%w: %s: %v", errUsage, command, err)
	}

	graph, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := graph.Close(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("close dependencies")
		}
	}()
	if *packPath != "" {
		p, err := seed.LoadFile(*packPath)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(ctx, p, graph.Store, graph.Promotions); err != nil {
			return err
		}
	}

	c := cli{graph: graph, stdin: stdin, stdout: stdout}
	switch command {
	case "price":
		return c.price(ctx, *cartPath, *userID, *code, *strict)
	case "product-price":
		return c.productPrice(ctx, *productPath)
	case "validate":
		return c.validate(ctx, *code, *userID)
	case "track":
		return c.track(ctx, *userID, *code, *orderID, *amount)
	case "checkout":
		return c.checkout(ctx, *cartPath, *userID, *code)
	default:
		return fmt.Errorf("%w: unknown command %q\n%s", errUsage, command, usage)
	}
}

func (c cli) price(ctx context.Context, path, userID, code string, strict bool) error {
	var cart pricing.Cart
	if err := c.decode(path, &cart); err != nil {
		return err
	}
	if userID != "" {
		cart.UserID = userID
	}
	var (
		res pricing.Result
		err error
	)
	if strict {
		res, err = c.graph.Pricing.CalculateCheckoutPricing(ctx, cart, cart.UserID, code)
	} else {
		res, err = c.graph.Pricing.CalculateCartPricing(ctx, cart, code)
	}
	if err != nil {
		return err
	}
	return c.print(res)
}

func (c cli) productPrice(ctx context.Context, path string) error {
	var product pricing.Product
	if err := c.decode(path, &product); err != nil {
		return err
	}
	price, err := c.graph.Pricing.CalculateProductPrice(ctx, product)
	if err != nil {
		return err
	}
	return c.print(map[string]any{"productId": product.ID, "price": price})
}

type validation struct {
	Valid     bool                 `json:"valid"`
	Reason    promotion.Reason     `json:"reason,omitempty"`
	Promotion *promotion.Promotion `json:"promotion,omitempty"`
}

func (c cli) validate(ctx context.Context, code, userID string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("%w: validate requires -code", errUsage)
	}
	p, err := c.graph.Promotions.Validate(ctx, code, userID)
	if err != nil {
		reason, ok := promotion.ReasonOf(err)
		if !ok {
			return err
		}
		return c.print(validation{Reason: reason})
	}
	return c.print(validation{Valid: true, Promotion: &p})
}

func (c cli) track(ctx context.Context, userID, code, orderID, rawAmount string) error {
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return fmt.Errorf("%w: -amount: %v", errUsage, err)
	}
	rec, err := c.graph.Promotions.TrackUsage(ctx, userID, code, orderID, amount)
	if err != nil {
		return err
	}
	return c.print(rec)
}

func (c cli) checkout(ctx context.Context, path, userID, code string) error {
	var cart pricing.Cart
	if err := c.decode(path, &cart); err != nil {
		return err
	}
	if userID == "" {
		userID = cart.UserID
	}
	cart.UserID = userID
	out, err := c.graph.Checkout.Checkout(ctx, checkout.Input{UserID: userID, Cart: cart, PromotionCode: code})
	if err != nil {
		return err
	}
	return c.print(out)
}

func (c cli) decode(path string, dst any) error {
	var r io.Reader = c.stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c cli) print(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
