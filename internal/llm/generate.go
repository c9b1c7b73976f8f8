package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned by Generate when the deadline passes before
	// the provider answers.
	ErrTimeout = errors.New("generation timed out")

	// ErrEmptyResponse is returned by Generate when the provider answers
	// with no text.
	ErrEmptyResponse = errors.New("model returned an empty response")
)

// Generate sends prompt as a single user message and waits at most
// timeout for the reply. The provider call runs on its own goroutine so
// a client that ignores its context cannot hold the caller past the
// deadline. A non-positive timeout waits for as long as ctx allows.
//
// Cancellation of ctx itself is returned as ctx's error, not ErrTimeout.
// On ErrEmptyResponse the response is still returned for token
// accounting.
func Generate(ctx context.Context, client Client, model, prompt string, timeout time.Duration) (*ChatResponse, error) {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		resp *ChatResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := client.Chat(ctx, model, []Message{{Role: RoleUser, Content: prompt}})
		ch <- result{resp: resp, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		if err := parent.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case r = <-ch:
	}

	if r.err != nil {
		if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, r.err)
		}
		return nil, r.err
	}
	if r.resp == nil || strings.TrimSpace(r.resp.Message.Content) == "" {
		return r.resp, ErrEmptyResponse
	}
	return r.resp, nil
}
