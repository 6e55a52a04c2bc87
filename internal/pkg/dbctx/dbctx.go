package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request/cycle-scoped context with an optional GORM
// transaction, so repository methods can participate in a caller's
// transaction without threading *gorm.DB and context.Context separately.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// DB returns the transaction handle if set, otherwise falls back to db.
func (c Context) DB(db *gorm.DB) *gorm.DB {
	if c.Tx != nil {
		return c.Tx.WithContext(c.Ctx)
	}
	return db.WithContext(c.Ctx)
}
