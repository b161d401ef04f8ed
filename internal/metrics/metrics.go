// Package metrics exposes workflow counters for Prometheus scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "returnshield"

// Metrics methods are safe on a nil receiver so callers can run without a
// registry in tests.
type Metrics struct {
	registry          *prometheus.Registry
	checkouts         *prometheus.CounterVec
	returns           *prometheus.CounterVec
	couponRedemptions prometheus.Counter
	couponsMinted     prometheus.Counter
	intents           *prometheus.CounterVec
	chainCalls        *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by outcome.",
		}, []string{"outcome"}),
		returns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "returns_total",
			Help:      "Committed returns by mint status.",
		}, []string{"mint_status"}),
		couponRedemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coupon_redemptions_total",
			Help:      "Coupons consumed by completed sales.",
		}),
		couponsMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coupons_minted_total",
			Help:      "Coupons minted on chain.",
		}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intent_transitions_total",
			Help:      "Checkout intent transitions by target status.",
		}, []string{"status"}),
		chainCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_call_seconds",
			Help:      "Latency of signer and minting calls.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"call", "result"}),
	}
	registry.MustRegister(m.checkouts, m.returns, m.couponRedemptions, m.couponsMinted, m.intents, m.chainCalls)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Checkout(outcome string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Return(mintStatus string) {
	if m == nil {
		return
	}
	m.returns.WithLabelValues(mintStatus).Inc()
}

func (m *Metrics) CouponRedeemed() {
	if m == nil {
		return
	}
	m.couponRedemptions.Inc()
}

func (m *Metrics) CouponMinted() {
	if m == nil {
		return
	}
	m.couponsMinted.Inc()
}

func (m *Metrics) Intent(status string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveChainCall(call string, seconds float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.chainCalls.WithLabelValues(call, result).Observe(seconds)
}
