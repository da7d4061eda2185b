package rbx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validSettings() Settings {
	return Settings{
		NotificationInterval: time.Second,
		TriggerInterval:      time.Second,
		RetentionInterval:    time.Hour,
		MaxRetry:             3,
		InitialDelay:         10 * time.Second,
		RetentionDays:        7,
		MaxEventsPerInterval: 100,
		LockTTL:              time.Minute,
	}
}

func Test_validateSettings(t *testing.T) {
	type args struct {
		change func(s *Settings)
	}
	testcases := []struct {
		name    string
		args    args
		wantErr string
	}{
		{
			name: "valid settings",
			args: args{change: func(s *Settings) {}},
		},
		{
			name: "unlimited events and no retries",
			args: args{change: func(s *Settings) {
				s.MaxEventsPerInterval = -1
				s.MaxRetry = 0
			}},
		},
		{
			name: "missing intervals",
			args: args{change: func(s *Settings) {
				s.NotificationInterval = 0
				s.LockTTL = -time.Second
			}},
			wantErr: "invalid settings: NotificationInterval must be greater than zero\nLockTTL must be greater than zero",
		},
		{
			name: "negative retries",
			args: args{change: func(s *Settings) {
				s.MaxRetry = -1
			}},
			wantErr: "invalid settings: MaxRetry must not be negative",
		},
		{
			name: "no retention",
			args: args{change: func(s *Settings) {
				s.RetentionDays = 0
			}},
			wantErr: "invalid settings: RetentionDays must be greater than zero",
		},
		{
			name: "zero events per interval",
			args: args{change: func(s *Settings) {
				s.MaxEventsPerInterval = 0
			}},
			wantErr: "invalid settings: MaxEventsPerInterval must be -1 or greater than zero",
		},
		{
			name: "everything missing",
			args: args{change: func(s *Settings) {
				*s = Settings{}
			}},
			wantErr: "invalid settings: NotificationInterval must be greater than zero\n" +
				"TriggerInterval must be greater than zero\n" +
				"RetentionInterval must be greater than zero\n" +
				"InitialDelay must be greater than zero\n" +
				"LockTTL must be greater than zero\n" +
				"RetentionDays must be greater than zero\n" +
				"MaxEventsPerInterval must be -1 or greater than zero",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSettings()
			tc.args.change(&s)
			err := validateSettings(s)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tc.wantErr)
			assert.ErrorIs(t, err, ErrInvalidSettings)
		})
	}
}
