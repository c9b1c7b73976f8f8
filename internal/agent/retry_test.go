package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	errFail := errors.New("fail")

	tests := []struct {
		name         string
		retries      int
		failFirst    int
		wantAttempts int
		wantErr      bool
	}{
		{name: "first try", retries: 3, failFirst: 0, wantAttempts: 1},
		{name: "no retries", retries: 0, failFirst: 5, wantAttempts: 1, wantErr: true},
		{name: "recovers", retries: 2, failFirst: 2, wantAttempts: 3},
		{name: "exhausted", retries: 2, failFirst: 5, wantAttempts: 3, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			attempts, err := retry(context.Background(), tt.retries, time.Millisecond, func(context.Context) error {
				calls++
				if calls <= tt.failFirst {
					return errFail
				}
				return nil
			})
			if attempts != tt.wantAttempts || calls != tt.wantAttempts {
				t.Errorf("attempts = %d, calls = %d; want %d", attempts, calls, tt.wantAttempts)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	attempts, err := retry(ctx, 10, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if attempts != 1 || calls != 1 || err == nil {
		t.Errorf("attempts = %d, calls = %d, err = %v", attempts, calls, err)
	}
}
