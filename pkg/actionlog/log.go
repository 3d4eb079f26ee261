package actionlog

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

type Outcome string

const (
	OutcomePending   Outcome = "Pending"
	OutcomeSucceeded Outcome = "Succeeded"
	OutcomeFailed    Outcome = "Failed"
	// OutcomeSkipped means the target was already in the desired state.
	OutcomeSkipped Outcome = "Skipped"
)

// Entry is one remediation action: what was intended and what happened.
type Entry struct {
	Sequence int           `json:"sequence"`
	Action   string        `json:"action"`
	// Recipe is set on the individual steps a remediation recipe is made of.
	Recipe   string        `json:"recipe,omitempty"`
	Target   string        `json:"target,omitempty"`
	Intent   string        `json:"intent"`
	Outcome  Outcome       `json:"outcome"`
	Detail   string        `json:"detail,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Log journals remediation actions. Each action is written before it runs and again
// once its outcome is known.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	zap     *zap.Logger
	clock   clock.PassiveClock
	// OnFinish, when set, observes every finished entry.
	OnFinish func(Entry)
}

// New returns a Log that mirrors records to logger in addition to klog. logger may be nil.
func New(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{zap: logger, clock: clock.RealClock{}}
}

// NewWithClock is New with an explicit time source.
func NewWithClock(logger *zap.Logger, c clock.PassiveClock) *Log {
	l := New(logger)
	l.clock = c
	return l
}

// Step is an action whose outcome is not yet known.
type Step struct {
	log   *Log
	index int
}

// Begin records the intent of an action before anything is changed.
func (l *Log) Begin(action, target, intent string) *Step {
	return l.begin("", action, target, intent)
}

// BeginStep is Begin for one step of a recipe.
func (l *Log) BeginStep(recipe, action, target, intent string) *Step {
	return l.begin(recipe, action, target, intent)
}

func (l *Log) begin(recipe, action, target, intent string) *Step {
	l.mu.Lock()
	entry := Entry{
		Sequence: len(l.entries) + 1,
		Action:   action,
		Recipe:   recipe,
		Target:   target,
		Intent:   intent,
		Outcome:  OutcomePending,
		Started:  l.clock.Now(),
	}
	l.entries = append(l.entries, entry)
	index := len(l.entries) - 1
	l.mu.Unlock()

	klog.Infof("[%s] %s: %s", action, displayTarget(target), intent)
	l.zap.Info("action started",
		zap.Int("sequence", entry.Sequence),
		zap.String("action", action),
		zap.String("recipe", recipe),
		zap.String("target", target),
		zap.String("intent", intent),
	)
	return &Step{log: l, index: index}
}

// Finish records the outcome. A nil error is a success.
func (s *Step) Finish(err error) Entry {
	if err != nil {
		return s.complete(OutcomeFailed, err.Error())
	}
	return s.complete(OutcomeSucceeded, "")
}

// Skip records that nothing had to be done.
func (s *Step) Skip(reason string) Entry {
	return s.complete(OutcomeSkipped, reason)
}

func (s *Step) complete(outcome Outcome, detail string) Entry {
	l := s.log
	l.mu.Lock()
	entry := &l.entries[s.index]
	entry.Outcome = outcome
	entry.Detail = detail
	entry.Duration = l.clock.Since(entry.Started)
	finished := *entry
	onFinish := l.OnFinish
	l.mu.Unlock()

	switch outcome {
	case OutcomeFailed:
		klog.Warningf("[%s] %s: failed after %s: %s", finished.Action, displayTarget(finished.Target), finished.Duration, detail)
	case OutcomeSkipped:
		klog.Infof("[%s] %s: nothing to do: %s", finished.Action, displayTarget(finished.Target), detail)
	default:
		klog.Infof("[%s] %s: succeeded after %s", finished.Action, displayTarget(finished.Target), finished.Duration)
	}
	l.zap.Info("action finished",
		zap.Int("sequence", finished.Sequence),
		zap.String("action", finished.Action),
		zap.String("recipe", finished.Recipe),
		zap.String("target", finished.Target),
		zap.String("outcome", string(outcome)),
		zap.String("detail", detail),
		zap.Duration("duration", finished.Duration),
	)
	if onFinish != nil {
		onFinish(finished)
	}
	return finished
}

// Entries returns a copy of all entries in the order they were begun.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Recipes returns the recipe level entries.
func (l *Log) Recipes() []Entry {
	var recipes []Entry
	for _, e := range l.Entries() {
		if e.Recipe == "" {
			recipes = append(recipes, e)
		}
	}
	return recipes
}

// Count returns how many entries were recorded for action, skipped ones excluded.
func (l *Log) Count(action string) int {
	count := 0
	for _, e := range l.Entries() {
		if e.Action == action && e.Outcome != OutcomeSkipped {
			count++
		}
	}
	return count
}

// Sync flushes the structured sink.
func (l *Log) Sync() {
	// stdout and stderr return EINVAL on some platforms
	_ = l.zap.Sync()
}

func (e Entry) String() string {
	return fmt.Sprintf("#%d %s %s: %s (%s)", e.Sequence, e.Action, displayTarget(e.Target), e.Outcome, e.Intent)
}

func displayTarget(target string) string {
	if target == "" {
		return "cluster"
	}
	return target
}
