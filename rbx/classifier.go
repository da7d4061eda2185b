package rbx

import "errors"

// Classifier decides whether a failed inbound message is dead-lettered
// immediately instead of being retried by the transport.
type Classifier interface {
	ShouldFailFast(messageId string, err error) bool
}

// FailFast dead-letters duplicates and delegates every other error to the
// transport policy.
type FailFast struct {
	transport func(err error) bool
}

var _ Classifier = (*FailFast)(nil)

// NewFailFast creates the classifier. A nil transport policy retries every
// error other than ErrDuplicate.
func NewFailFast(transport func(err error) bool) *FailFast {
	return &FailFast{transport: transport}
}

func (c *FailFast) ShouldFailFast(messageId string, err error) bool {
	if errors.Is(err, ErrDuplicate) {
		return true
	}
	if c.transport == nil {
		return false
	}
	return c.transport(err)
}
