package gorm

import (
	"context"
	"database/sql"
	"errors"
)

const getFlagSql = "SELECT enabled FROM feature_flag WHERE key=?"

// FlagStore reads feature toggles from the 'feature_flag' table.
type FlagStore struct {
	r *Repository
}

// Lookup returns the stored state of a flag. found is false when the flag
// has no row.
func (s *FlagStore) Lookup(ctx context.Context, key string) (enabled bool, found bool, err error) {
	err = s.r.conn(ctx).Raw(getFlagSql, key).Row().Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return enabled, true, nil
}
