package services

import (
	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
)

// runInTx executes fn inside the caller's transaction when one is already
// open, otherwise inside a fresh one.
func runInTx(db *gorm.DB, dbc dbctx.Context, fn func(txc dbctx.Context) error) error {
	if dbc.Tx != nil {
		return fn(dbc)
	}
	return db.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: dbc.Ctx, Tx: tx})
	})
}
