package cache

import (
	"context"
	"time"

	"github.com/3rs4lg4d0/runbox/rbx"
)

// FlagSource reads a feature flag. found is false when the flag is unknown.
type FlagSource interface {
	Lookup(ctx context.Context, key string) (enabled bool, found bool, err error)
}

// Toggle enables or disables the delivery loops from the flags of a
// FlagSource. An unknown flag counts as enabled.
type Toggle struct {
	flags *Cache[bool]
}

var _ rbx.Toggle = (*Toggle)(nil)

func NewToggle(src FlagSource, ttl time.Duration, clock rbx.Clock) *Toggle {
	if src == nil {
		panic("src is mandatory")
	}
	return &Toggle{
		flags: New(func(ctx context.Context, key string) (bool, error) {
			enabled, found, err := src.Lookup(ctx, key)
			if err != nil {
				return false, err
			}
			return enabled || !found, nil
		}, ttl, clock),
	}
}

func (t *Toggle) Enabled(ctx context.Context, name string) (bool, error) {
	return t.flags.Get(ctx, name)
}
