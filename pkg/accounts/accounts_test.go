package accounts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitive-robotics/broker-auth/pkg/logging"
)

func newTestCache(docs ...Document) (*Cache, *MemStore) {
	store := NewMemStore(docs...)
	cache := NewCache(store, logging.Nop())
	return cache, store
}

func TestCanPay(t *testing.T) {
	paymentMethod := map[string]any{
		"invoice_settings": map[string]any{"default_payment_method": "pm_123"},
	}

	tests := []struct {
		name string
		doc  Document
		want bool
	}{
		{"free account", Document{Free: true}, true},
		{"no billing info", Document{}, false},
		{"payment method", Document{StripeCustomer: paymentMethod}, true},
		{
			"payment method but delinquent",
			Document{StripeCustomer: map[string]any{
				"invoice_settings": map[string]any{"default_payment_method": "pm_123"},
				"delinquent":       true,
			}},
			false,
		},
		{
			"payment method not a string",
			Document{StripeCustomer: map[string]any{
				"invoice_settings": map[string]any{"default_payment_method": map[string]any{}},
			}},
			false,
		},
		{
			"invoice-based collection",
			Document{StripeCustomer: map[string]any{
				"metadata": map[string]any{"collection_method": "send_invoice"},
			}},
			true,
		},
		{
			"invoice-based collection, suffixed",
			Document{StripeCustomer: map[string]any{
				"metadata": map[string]any{"collection_method": "send_invoice_net30"},
			}},
			true,
		},
		{
			"free and delinquent still pays",
			Document{Free: true, StripeCustomer: map[string]any{"delinquent": true}},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.doc.CanPay())
		})
	}
}

func TestRefresh(t *testing.T) {
	cache, store := newTestCache(
		Document{ID: "org1", JWTSecret: "secret1", Free: true,
			CapUsage: map[string]int64{"ros-tool": 42}},
		Document{ID: "org2"},
	)
	require.NoError(t, cache.Refresh(context.Background()))

	acc, ok := cache.Lookup("org1")
	require.True(t, ok)
	assert.Equal(t, "secret1", acc.JWTSecret)
	assert.True(t, acc.CanPay)
	assert.Equal(t, int64(42), cache.Usage("org1", "ros-tool"))

	acc, ok = cache.Lookup("org2")
	require.True(t, ok)
	assert.False(t, acc.CanPay)
	assert.Empty(t, acc.JWTSecret)

	// a failing store keeps the previous cache contents
	store.Err = errors.New("connection reset")
	assert.Error(t, cache.Refresh(context.Background()))
	_, ok = cache.Lookup("org1")
	assert.True(t, ok)
}

func TestRefreshKeepsMeterMonotonic(t *testing.T) {
	cache, store := newTestCache(Document{ID: "org1", CapUsage: map[string]int64{"ros-tool": 100}})
	require.NoError(t, cache.Refresh(context.Background()))

	cache.AddUsage("org1", "ros-tool", 50) // now 150, ahead of the store

	store.Put(Document{ID: "org1", CapUsage: map[string]int64{"ros-tool": 100}})
	require.NoError(t, cache.Refresh(context.Background()))
	assert.Equal(t, int64(150), cache.Usage("org1", "ros-tool"))

	// a larger stored value wins
	store.Put(Document{ID: "org1", CapUsage: map[string]int64{"ros-tool": 500}})
	require.NoError(t, cache.Refresh(context.Background()))
	assert.Equal(t, int64(500), cache.Usage("org1", "ros-tool"))
}

func TestSecretForRefreshesOnMiss(t *testing.T) {
	cache, store := newTestCache()

	_, ok := cache.SecretFor(context.Background(), "org1")
	assert.False(t, ok)

	store.Put(Document{ID: "org1", JWTSecret: "s3cret"})
	secret, ok := cache.SecretFor(context.Background(), "org1")
	require.True(t, ok)
	assert.Equal(t, "s3cret", secret)
}

func TestAddUsage(t *testing.T) {
	cache, _ := newTestCache()

	// unknown orgs are tracked and cannot pay
	total, canPay := cache.AddUsage("org1", "ros-tool", 10)
	assert.Equal(t, int64(10), total)
	assert.False(t, canPay)

	total, _ = cache.AddUsage("org1", "ros-tool", 5)
	assert.Equal(t, int64(15), total)
	assert.Equal(t, int64(0), cache.Usage("org1", "other"))
}

func TestFlush(t *testing.T) {
	cache, store := newTestCache(Document{ID: "org1"})
	require.NoError(t, cache.Refresh(context.Background()))
	cache.AddUsage("org1", "ros-tool", 7)

	cache.Flush(context.Background())
	assert.Equal(t, map[string]int64{"ros-tool": 7}, store.Saved["org1"])

	// store failure is swallowed
	store.Err = errors.New("write concern")
	cache.Flush(context.Background())
}

func TestFlushMonthRollover(t *testing.T) {
	cache, store := newTestCache()
	cache.AddUsage("org1", "ros-tool", 999)

	base := time.Date(2026, time.March, 31, 23, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return base }
	cache.flushMonth = time.March

	cache.Flush(context.Background())
	assert.Equal(t, int64(999), cache.Usage("org1", "ros-tool"))

	// first flush in April resets all counters before writing
	cache.now = func() time.Time { return base.Add(2 * time.Hour) }
	cache.Flush(context.Background())
	assert.Equal(t, int64(0), cache.Usage("org1", "ros-tool"))
	assert.Equal(t, map[string]int64{}, store.Saved["org1"])
}
