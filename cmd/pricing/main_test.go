package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pricing/internal/config"
	"github.com/noah-isme/backend-pricing/internal/pricing"
)

const testPack = `
rules:
  - name: Big cart
    rule_type: CART_TOTAL
    condition_operator: GTE
    condition_value: "200"
    discount_type: PERCENTAGE
    discount_value: "10"
promotions:
  - name: Save twenty
    code: SAVE20
    discount_type: PERCENTAGE
    discount_value: "20"
    max_discount_amount: "40"
    starts_at: 2020-01-01T00:00:00Z
    ends_at: 2099-01-01T00:00:00Z
`

const testCart = `{"userId":"u1","items":[{"productId":"p1","quantity":2,"unitPrice":"125"}]}`

func testConfig() *config.Config {
	return &config.Config{
		PriceCacheTTL:       time.Minute,
		RuleEvaluator:       "direct",
		StoreTimeout:        time.Second,
		BreakerMinRequests:  5,
		BreakerFailureRatio: 0.5,
		BreakerOpenFor:      time.Second,
		UsageRetryAttempts:  1,
		MetricsNamespace:    "pricing_cli_test",
	}
}

func writePack(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPack), 0o600))
	return path
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), testConfig(), zerolog.Nop(), args, strings.NewReader(stdin), &out)
	return out.String(), err
}

func TestPriceCommand(t *testing.T) {
	out, err := runCLI(t, testCart, "price", "-pack", writePack(t), "-code", "save20")
	require.NoError(t, err)

	var res pricing.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, "185.00", res.FinalTotal.StringFixed(2))
	require.Equal(t, []string{"Big cart", "Save twenty"}, res.AppliedDiscounts)
}

func TestValidateCommandReportsReason(t *testing.T) {
	out, err := runCLI(t, "", "validate", "-pack", writePack(t), "-code", "NOPE")
	require.NoError(t, err)
	require.Contains(t, out, `"reason": "INVALID_CODE"`)
	require.Contains(t, out, `"valid": false`)

	out, err = runCLI(t, "", "validate", "-pack", writePack(t), "-code", "SAVE20", "-user", "u1")
	require.NoError(t, err)
	require.Contains(t, out, `"valid": true`)
}

func TestCheckoutCommand(t *testing.T) {
	out, err := runCLI(t, testCart, "checkout", "-pack", writePack(t), "-code", "SAVE20")
	require.NoError(t, err)
	require.Contains(t, out, `"promotionCode": "SAVE20"`)
	require.Contains(t, out, `"usage"`)
}

func TestUsageErrors(t *testing.T) {
	_, err := runCLI(t, "")
	require.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, "", "frobnicate")
	require.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, "", "validate")
	require.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, "", "price", "-bogus")
	require.ErrorIs(t, err, errUsage)
}
