package rbx

import (
	"errors"
	"fmt"
	"time"
)

// Settings holds the delivery pipeline configuration. Every value must be
// supplied by the caller; the pipeline never falls back to built-in defaults.
type Settings struct {
	NotificationInterval time.Duration // poll interval of the notification loop
	TriggerInterval      time.Duration // poll interval of the external trigger loop
	RetentionInterval    time.Duration // interval between retention sweeps
	MaxRetry             int           // failed external trigger attempts before giving up
	InitialDelay         time.Duration // backoff unit for external trigger retries
	RetentionDays        int           // processed records older than this are deleted
	MaxEventsPerInterval int           // maximum number of records read per iteration (-1 = unlimited)
	LockTTL              time.Duration // lease duration of a loop lock
}

// validateSettings checks the supplied settings and reports every problem found.
func validateSettings(s Settings) error {
	var errs []error
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"NotificationInterval", s.NotificationInterval},
		{"TriggerInterval", s.TriggerInterval},
		{"RetentionInterval", s.RetentionInterval},
		{"InitialDelay", s.InitialDelay},
		{"LockTTL", s.LockTTL},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be greater than zero", d.name))
		}
	}
	if s.MaxRetry < 0 {
		errs = append(errs, errors.New("MaxRetry must not be negative"))
	}
	if s.RetentionDays <= 0 {
		errs = append(errs, errors.New("RetentionDays must be greater than zero"))
	}
	if s.MaxEventsPerInterval == 0 || s.MaxEventsPerInterval < -1 {
		errs = append(errs, errors.New("MaxEventsPerInterval must be -1 or greater than zero"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, errors.Join(errs...))
	}
	return nil
}
