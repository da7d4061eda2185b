package pgxv5

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

const getFlagSql = "SELECT enabled FROM feature_flag WHERE key=$1"

// FlagStore reads feature toggles from the 'feature_flag' table.
type FlagStore struct {
	r *Repository
}

// Lookup returns the stored state of a flag. found is false when the flag
// has no row.
func (s *FlagStore) Lookup(ctx context.Context, key string) (enabled bool, found bool, err error) {
	err = s.r.conn(ctx).QueryRow(ctx, getFlagSql, key).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return enabled, true, nil
}
