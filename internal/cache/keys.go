package cache

import "strings"

const defaultPrefix = "pricing"

// Keys builds namespaced cache keys.
type Keys struct {
	Prefix string
}

func (k Keys) prefix() string {
	p := strings.TrimSpace(k.Prefix)
	if p == "" {
		return defaultPrefix
	}
	return p
}

// ProductPrice returns the key holding the best price for productID.
func (k Keys) ProductPrice(productID string) string {
	return k.prefix() + ":price:" + strings.TrimSpace(productID)
}

// ProductPricePattern matches every product price key.
func (k Keys) ProductPricePattern() string {
	return k.prefix() + ":price:*"
}
