package config

import (
	"k8s.io/client-go/tools/record"

	"github.com/openshift/cluster-doctor/pkg/actionlog"
	"github.com/openshift/cluster-doctor/pkg/metrics"
)

// RunContext is threaded through every component of a run.
type RunContext struct {
	Config   *Config
	Log      *actionlog.Log
	Metrics  *metrics.Recorder
	Recorder record.EventRecorder
}

// NewRunContext fills unset collaborators with ones that only keep state in memory.
func NewRunContext(cfg *Config, log *actionlog.Log, m *metrics.Recorder, recorder record.EventRecorder) *RunContext {
	if log == nil {
		log = actionlog.New(nil)
	}
	if recorder == nil {
		// a FakeRecorder without a channel drops events
		recorder = &record.FakeRecorder{}
	}
	if m != nil {
		log.OnFinish = func(e actionlog.Entry) {
			m.ObserveAction(e.Action, string(e.Outcome))
		}
	}
	return &RunContext{Config: cfg, Log: log, Metrics: m, Recorder: recorder}
}
