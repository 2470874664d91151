// Package accounts maintains the in-memory view of account records: JWT
// secrets, billing state, and per-capability read meters. It is populated
// from the account store and flushed back on a schedule.
package accounts

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Account is the in-memory record for one organization.
type Account struct {
	ID        string
	JWTSecret string
	// CanPay is true for free accounts and for accounts with a usable
	// payment setup that are not delinquent.
	CanPay bool
	// CapUsage maps capability name to bytes read this month.
	CapUsage map[string]int64
}

// Cache is the process-wide account map. Reads happen on the broker's
// callback goroutines, writes on the refresh and flush tasks, so every
// access goes through the mutex.
type Cache struct {
	store Store
	log   *slog.Logger
	now   func() time.Time

	mu         sync.RWMutex
	accounts   map[string]*Account
	flushMonth time.Month
}

// NewCache creates an account cache backed by the given store.
func NewCache(store Store, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	now := time.Now
	return &Cache{
		store:      store,
		log:        log,
		now:        now,
		accounts:   make(map[string]*Account),
		flushMonth: now().Month(),
	}
}

// Refresh reloads all account documents from the store. A store failure is
// logged and leaves the cache as it was.
func (c *Cache) Refresh(ctx context.Context) error {
	docs, err := c.store.LoadAll(ctx)
	if err != nil {
		c.log.Error("account refresh failed", "error", err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range docs {
		acc := c.accounts[doc.ID]
		if acc == nil {
			acc = &Account{ID: doc.ID, CapUsage: make(map[string]int64)}
			c.accounts[doc.ID] = acc
		}
		if doc.JWTSecret != "" {
			acc.JWTSecret = doc.JWTSecret
		}
		acc.CanPay = doc.CanPay()
		// Meter counters are monotonic within a month, so a stored value
		// only ever raises the in-memory one (the store lags by up to one
		// flush interval).
		for cap, n := range doc.CapUsage {
			if n > acc.CapUsage[cap] {
				acc.CapUsage[cap] = n
			}
		}
	}
	c.log.Debug("accounts refreshed", "count", len(docs))
	return nil
}

// Lookup returns a snapshot of the account, without its usage counters.
func (c *Cache) Lookup(id string) (Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	acc, ok := c.accounts[id]
	if !ok {
		return Account{}, false
	}
	return Account{ID: acc.ID, JWTSecret: acc.JWTSecret, CanPay: acc.CanPay}, true
}

// SecretFor returns the JWT secret for the account, refreshing the cache
// once if the account is unknown or has no secret yet.
func (c *Cache) SecretFor(ctx context.Context, id string) (string, bool) {
	if acc, ok := c.Lookup(id); ok && acc.JWTSecret != "" {
		return acc.JWTSecret, true
	}
	if err := c.Refresh(ctx); err != nil {
		return "", false
	}
	acc, ok := c.Lookup(id)
	if !ok || acc.JWTSecret == "" {
		return "", false
	}
	return acc.JWTSecret, true
}

// AddUsage adds n bytes to the org's meter for the capability and returns
// the new total together with the account's billing state. Unknown orgs get
// an entry with CanPay=false so that their usage is still tracked.
func (c *Cache) AddUsage(org, capability string, n int64) (total int64, canPay bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acc := c.accounts[org]
	if acc == nil {
		acc = &Account{ID: org, CapUsage: make(map[string]int64)}
		c.accounts[org] = acc
	}
	acc.CapUsage[capability] += n
	return acc.CapUsage[capability], acc.CanPay
}

// Usage returns the org's current meter reading for the capability.
func (c *Cache) Usage(org, capability string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if acc := c.accounts[org]; acc != nil {
		return acc.CapUsage[capability]
	}
	return 0
}

// Flush writes every account's meter to the store. At a month boundary all
// counters are cleared first, so the store starts the new month at zero.
// Per-account store errors are logged and do not stop the flush.
func (c *Cache) Flush(ctx context.Context) {
	month := c.now().Month()

	c.mu.Lock()
	if month != c.flushMonth {
		c.log.Info("month rollover, resetting meters",
			"from", c.flushMonth.String(), "to", month.String())
		for _, acc := range c.accounts {
			acc.CapUsage = make(map[string]int64)
		}
		c.flushMonth = month
	}
	// snapshot under the lock, write to the store outside it
	usage := make(map[string]map[string]int64, len(c.accounts))
	for id, acc := range c.accounts {
		m := make(map[string]int64, len(acc.CapUsage))
		for cap, n := range acc.CapUsage {
			m[cap] = n
		}
		usage[id] = m
	}
	c.mu.Unlock()

	for id, m := range usage {
		if err := c.store.SaveUsage(ctx, id, m); err != nil {
			c.log.Error("meter flush failed", "account", id, "error", err)
		}
	}
}

// CanPay computes the billing state from an account document: free accounts
// always can; otherwise the account needs a default payment method or
// invoice-based collection, and must not be delinquent.
func (d Document) CanPay() bool {
	if d.Free {
		return true
	}
	sc := d.StripeCustomer
	if sc == nil {
		return false
	}
	hasPaymentMethod := false
	if is, ok := sc["invoice_settings"].(map[string]any); ok {
		_, hasPaymentMethod = is["default_payment_method"].(string)
	}
	sendInvoice := false
	if md, ok := sc["metadata"].(map[string]any); ok {
		if cm, ok := md["collection_method"].(string); ok {
			sendInvoice = strings.HasPrefix(cm, "send_invoice")
		}
	}
	delinquent, _ := sc["delinquent"].(bool)
	return (hasPaymentMethod || sendInvoice) && !delinquent
}
