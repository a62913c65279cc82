package pulpclient

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PollConfig bounds the exponential backoff used while waiting for a Pulp
// task to reach a terminal state.
type PollConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPollConfig matches the ceiling named in §4.5 step 4: 2s→30s.
var DefaultPollConfig = PollConfig{
	InitialInterval: 2 * time.Second,
	MaxInterval:     30 * time.Second,
}

// PollTask polls href until the task reaches a terminal state, ctx is
// canceled, or ctx's deadline passes. Transient polling errors (network,
// 5xx) are retried with the same backoff rather than failing the call —
// the sync itself is never re-submitted from here.
func PollTask(ctx context.Context, client *Client, href string, cfg PollConfig) (*Task, error) {
	if cfg.InitialInterval <= 0 {
		cfg = DefaultPollConfig
	}

	interval := cfg.InitialInterval
	for {
		task, err := client.GetTask(ctx, href)
		if err == nil {
			if taskIsTerminal(task.State) {
				return task, nil
			}
		} else if !isTransient(err) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > cfg.MaxInterval {
			interval = cfg.MaxInterval
		}
	}
}

func isTransient(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	return true
}

// TaskErrorPayload renders a task's error as the verbatim string recorded
// on a RepoTaskResult.
func TaskErrorPayload(t *Task) string {
	if t.Error == nil {
		return ""
	}
	if t.Error.Description != "" {
		return t.Error.Description
	}
	return fmt.Sprintf("%+v", t.Error)
}
