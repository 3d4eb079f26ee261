package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/openshift/cluster-doctor/pkg/faults"
)

// defaultPollInterval is used when a policy used for polling has no delay set.
const defaultPollInterval = time.Second

// Policy bounds a blocking operation.
//
// Attempts limits how often Do invokes its function, Delay is the pause between two
// attempts (and the poll interval for Until), Deadline optionally caps the whole
// operation. Until requires a ceiling: Deadline when set, Attempts*Delay otherwise.
type Policy struct {
	Attempts int
	Delay    time.Duration
	Deadline time.Duration
}

func (p Policy) String() string {
	return fmt.Sprintf("attempts=%d delay=%s deadline=%s", p.Attempts, p.Delay, p.Deadline)
}

// Validate rejects policies that would not bound the wait.
func (p Policy) Validate() error {
	if p.Attempts < 1 && p.Deadline <= 0 {
		return fmt.Errorf("retry policy needs attempts or a deadline: %s", p)
	}
	if p.Delay < 0 || p.Deadline < 0 {
		return fmt.Errorf("retry policy durations must not be negative: %s", p)
	}
	return nil
}

// Ceiling is the longest time Until will wait under this policy.
func (p Policy) Ceiling() time.Duration {
	if p.Deadline > 0 {
		return p.Deadline
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(attempts) * p.interval()
}

func (p Policy) interval() time.Duration {
	if p.Delay <= 0 {
		return defaultPollInterval
	}
	return p.Delay
}

// Do calls fn until it returns nil, at most p.Attempts times, sleeping p.Delay between
// attempts. The last error is returned wrapped with the operation name.
func Do(ctx context.Context, p Policy, op string, fn func(context.Context) error) error {
	if p.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	steps := p.Attempts
	if steps < 1 {
		steps = 1
	}
	backoff := wait.Backoff{
		Duration: p.Delay,
		Factor:   1.0,
		Steps:    steps,
	}

	attempt := 0
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		lastErr = fn(ctx)
		if lastErr != nil {
			klog.V(2).Infof("%s: attempt %d/%d failed: %v", op, attempt, steps, lastErr)
			return false, nil
		}
		return true, nil
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		// the context ended before the first attempt
		return &faults.TimeoutError{Operation: op, After: p.Deadline, Err: err}
	}
	if p.Deadline > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &faults.TimeoutError{
			Operation: op,
			After:     p.Deadline,
			Err:       fmt.Errorf("last of %d attempt(s) failed: %w", attempt, lastErr),
		}
	}
	return fmt.Errorf("%s failed after %d attempt(s): %w", op, attempt, lastErr)
}

// Until polls cond every p.Delay until it returns true, returns an error, or the policy
// ceiling elapses. Running out of time yields a *faults.TimeoutError.
func Until(ctx context.Context, p Policy, op string, cond wait.ConditionWithContextFunc) error {
	ceiling := p.Ceiling()
	err := wait.PollUntilContextTimeout(ctx, p.interval(), ceiling, true, cond)
	if err != nil && wait.Interrupted(err) {
		return &faults.TimeoutError{Operation: op, After: ceiling, Err: err}
	}
	return err
}
