package service

import (
	"context"
	"strings"
	"sync"

	"github.com/jask/clarify/internal/database"
	"github.com/jask/clarify/internal/database/repository"
)

// CategoryCache memoizes well-known category ids. Misses are not cached, so
// an id is written once after its first successful lookup and stays until
// Reset.
type CategoryCache struct {
	mu  sync.Mutex
	ids map[string]int64
}

func NewCategoryCache() *CategoryCache {
	return &CategoryCache{ids: map[string]int64{}}
}

// Lookup resolves the first of names that exists (by name or name_en).
func (c *CategoryCache) Lookup(ctx context.Context, cats *repository.CategoryRepo, names ...string) (*int64, error) {
	key := strings.Join(names, "|")
	c.mu.Lock()
	id, ok := c.ids[key]
	c.mu.Unlock()
	if ok {
		return &id, nil
	}

	// The query runs unlocked: the caller may hold the only connection.
	cat, err := cats.FindByName(ctx, names...)
	if err != nil || cat == nil {
		return nil, err
	}
	c.mu.Lock()
	if c.ids == nil {
		c.ids = map[string]int64{}
	}
	c.ids[key] = cat.ID
	c.mu.Unlock()
	id = cat.ID
	return &id, nil
}

func (c *CategoryCache) BankFees(ctx context.Context, cats *repository.CategoryRepo) (*int64, error) {
	return c.Lookup(ctx, cats, database.BankFeesName, database.BankFeesNameEN)
}

func (c *CategoryCache) Repayment(ctx context.Context, cats *repository.CategoryRepo) (*int64, error) {
	return c.Lookup(ctx, cats, database.RepaymentName, database.RepaymentNameEN)
}

func (c *CategoryCache) Other(ctx context.Context, cats *repository.CategoryRepo) (*int64, error) {
	return c.Lookup(ctx, cats, database.OtherNameEN, database.OtherName)
}

// Reset drops every memoized id.
func (c *CategoryCache) Reset() {
	c.mu.Lock()
	c.ids = map[string]int64{}
	c.mu.Unlock()
}
