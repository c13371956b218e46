package obs

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PricingCalculationsTotal counts pricing operations by outcome.
	PricingCalculationsTotal *prometheus.CounterVec
	// PricingDuration records pricing latency in milliseconds.
	PricingDuration *prometheus.HistogramVec
	// RulesFiredTotal counts automatic discount rules that contributed a discount.
	RulesFiredTotal *prometheus.CounterVec
	// RuleConfigErrorsTotal counts rules skipped because of bad configuration.
	RuleConfigErrorsTotal *prometheus.CounterVec
	// EvaluatorFallbackTotal counts conditions re-evaluated directly after a strategy failure.
	EvaluatorFallbackTotal *prometheus.CounterVec
	// AutomaticDiscountsDegraded counts cart prices computed without automatic discounts.
	AutomaticDiscountsDegraded prometheus.Counter
	// PromotionValidationsTotal counts promotion code validations by result.
	PromotionValidationsTotal *prometheus.CounterVec
	// UsageTrackingTotal counts usage reservation attempts by result.
	UsageTrackingTotal *prometheus.CounterVec
	// PriceCacheTotal counts product price cache lookups by result.
	PriceCacheTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers pricing Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PricingCalculationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calculations_total",
			Help:      "Count of pricing calculations by operation and result.",
		}, []string{"operation", "result"})
		PricingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "calculation_duration_ms",
			Help:      "Latency of pricing calculations in milliseconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"operation"})
		RulesFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_fired_total",
			Help:      "Count of automatic discount rules that fired.",
		}, []string{"rule_type"})
		RuleConfigErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_config_errors_total",
			Help:      "Count of rules skipped due to configuration errors.",
		}, []string{"rule_type", "reason"})
		EvaluatorFallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluator_fallback_total",
			Help:      "Count of conditions evaluated directly after the configured evaluator failed.",
		}, []string{"evaluator"})
		AutomaticDiscountsDegraded = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automatic_discounts_degraded_total",
			Help:      "Number of calculations that skipped automatic discounts because rules were unavailable.",
		})
		PromotionValidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotion_validations_total",
			Help:      "Count of promotion code validations by result.",
		}, []string{"result"})
		UsageTrackingTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotion_usage_tracking_total",
			Help:      "Count of promotion usage reservations by result.",
		}, []string{"result"})
		PriceCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_cache_lookups_total",
			Help:      "Count of product price cache lookups by result.",
		}, []string{"result"})

		mustRegisterCollector(reg, PricingCalculationsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PricingCalculationsTotal = v
			}
		})
		mustRegisterCollector(reg, PricingDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				PricingDuration = v
			}
		})
		mustRegisterCollector(reg, RulesFiredTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				RulesFiredTotal = v
			}
		})
		mustRegisterCollector(reg, RuleConfigErrorsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				RuleConfigErrorsTotal = v
			}
		})
		mustRegisterCollector(reg, EvaluatorFallbackTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				EvaluatorFallbackTotal = v
			}
		})
		mustRegisterCollector(reg, AutomaticDiscountsDegraded, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				AutomaticDiscountsDegraded = v
			}
		})
		mustRegisterCollector(reg, PromotionValidationsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PromotionValidationsTotal = v
			}
		})
		mustRegisterCollector(reg, UsageTrackingTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				UsageTrackingTotal = v
			}
		})
		mustRegisterCollector(reg, PriceCacheTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PriceCacheTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}

// DurationMillis converts a duration to milliseconds for metric observation.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// ObservePricing records one pricing calculation.
func ObservePricing(operation, result string, elapsed time.Duration) {
	if PricingCalculationsTotal != nil {
		PricingCalculationsTotal.WithLabelValues(operation, result).Inc()
	}
	if PricingDuration != nil {
		PricingDuration.WithLabelValues(operation).Observe(DurationMillis(elapsed))
	}
}

// IncCounter increments a labelled counter when metrics are registered.
func IncCounter(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}
