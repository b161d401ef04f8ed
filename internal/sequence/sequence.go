// Package sequence issues human-readable bill numbers such as PUR000042.
// Numbers are allocated server-side so concurrent terminals never reuse one.
package sequence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const (
	PurchasePrefix = "PUR"
	ReturnPrefix   = "RET"
)

type Allocator interface {
	Next(ctx context.Context, prefix string) (string, error)
}

type Counter interface {
	NextSequence(ctx context.Context, name string) (int64, error)
}

// StoreAllocator draws numbers from the repository's atomic counters.
type StoreAllocator struct {
	counter Counter
}

func NewStoreAllocator(counter Counter) *StoreAllocator {
	return &StoreAllocator{counter: counter}
}

func (a *StoreAllocator) Next(ctx context.Context, prefix string) (string, error) {
	prefix, err := normalizePrefix(prefix)
	if err != nil {
		return "", err
	}
	n, err := a.counter.NextSequence(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("allocate %s sequence: %w", prefix, err)
	}
	return Format(prefix, n), nil
}

func Format(prefix string, n int64) string {
	return fmt.Sprintf("%s%06d", prefix, n)
}

func normalizePrefix(prefix string) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		return "", fmt.Errorf("sequence prefix is required")
	}
	return prefix, nil
}

// Parse extracts the counter from a formatted number, e.g. 42 from PUR000042.
func Parse(prefix string, formatted string) (int64, bool) {
	prefix, err := normalizePrefix(prefix)
	if err != nil || !strings.HasPrefix(formatted, prefix) {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(formatted, prefix), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
