package escalation

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/openshift/cluster-doctor/pkg/clusterclient"
	"github.com/openshift/cluster-doctor/pkg/config"
	"github.com/openshift/cluster-doctor/pkg/faults"
	"github.com/openshift/cluster-doctor/pkg/health"
	"github.com/openshift/cluster-doctor/pkg/nodecontrol"
	"github.com/openshift/cluster-doctor/pkg/remediation"
	"github.com/openshift/cluster-doctor/pkg/retry"
)

// Controller drives one run: probe both APIs, evaluate, remediate in priority order and
// verify, for a bounded number of passes.
type Controller struct {
	cluster   clusterclient.Interface
	nodes     nodecontrol.Interface
	rc        *config.RunContext
	evaluator *health.Evaluator
	engine    *remediation.Engine
	clock     clock.PassiveClock
}

// NewController wires the evaluator and the remediation engine. etcd may be nil.
func NewController(cluster clusterclient.Interface, nodes nodecontrol.Interface, rc *config.RunContext, etcd health.EtcdProber) *Controller {
	return &Controller{
		cluster:   cluster,
		nodes:     nodes,
		rc:        rc,
		evaluator: health.NewEvaluator(cluster, nodes, rc, etcd),
		engine:    remediation.NewEngine(cluster, nodes, rc),
		clock:     clock.RealClock{},
	}
}

// Run executes the state machine until it reaches Converged, Degraded or Fatal.
func (c *Controller) Run(ctx context.Context) *Result {
	cfg := c.rc.Config
	result := &Result{Started: c.clock.Now()}

	c.transition(result, StateProbing)
	if err := c.probe(ctx); err != nil {
		return c.finish(result, StateFatal, err)
	}

	for pass := 1; pass <= cfg.MaxPasses; pass++ {
		result.Passes = pass
		c.transition(result, StateEvaluating)
		report, err := c.evaluator.Evaluate(ctx)
		if err != nil {
			return c.finish(result, StateFatal, err)
		}
		result.Report = report
		klog.Infof("pass %d/%d: %s", pass, cfg.MaxPasses, report)
		if report.Healthy() {
			return c.finish(result, StateConverged, nil)
		}
		if !cfg.AutoFix {
			return c.finish(result, StateDegraded, fmt.Errorf("cluster unhealthy (%v) and auto-fix is disabled", report.Problems()))
		}

		c.transition(result, StateRemediating)
		c.remediate(ctx, report)

		c.transition(result, StateVerifying)
		if err := c.waitConverged(ctx); err != nil {
			result.Diagnostics = c.collectDiagnostics(ctx)
			// report what is left after this pass, not what it started from
			if report, evalErr := c.evaluator.Evaluate(ctx); evalErr == nil {
				result.Report = report
			} else {
				klog.Warningf("keeping the report taken before remediation: %v", evalErr)
			}
			return c.finish(result, StateDegraded, err)
		}
	}

	// the last pass remediated, look once more
	c.transition(result, StateEvaluating)
	report, err := c.evaluator.Evaluate(ctx)
	if err != nil {
		return c.finish(result, StateFatal, err)
	}
	result.Report = report
	if report.Healthy() {
		return c.finish(result, StateConverged, nil)
	}
	return c.finish(result, StateDegraded, fmt.Errorf("cluster still unhealthy after %d pass(es): %v", cfg.MaxPasses, report.Problems()))
}

// probe checks that both APIs answer. An unreachable Kubernetes API is worth a bounded
// number of control-plane reboots, an unreachable control-plane node control API is not.
func (c *Controller) probe(ctx context.Context) error {
	cfg := c.rc.Config
	if _, err := c.nodes.Version(ctx, cfg.ControlPlaneAddress); err != nil {
		return &faults.ConnectivityError{Endpoint: "node control API on " + cfg.ControlPlaneAddress, Err: err}
	}

	err := c.cluster.Ping(ctx)
	if err == nil {
		return nil
	}
	klog.Warningf("Kubernetes API does not answer: %v", err)
	if !cfg.AutoFix {
		return &faults.ConnectivityError{Endpoint: "Kubernetes API", Err: err}
	}
	for cycle := 1; cycle <= cfg.ControlPlaneRebootCycles; cycle++ {
		klog.Infof("control-plane endpoint recovery, cycle %d/%d", cycle, cfg.ControlPlaneRebootCycles)
		if err = c.engine.RecoverControlPlaneEndpoint(ctx); err == nil {
			return nil
		}
	}
	return &faults.ConnectivityError{Endpoint: "Kubernetes API", Err: err}
}

// remediate runs every applicable recipe in priority order. Failures are logged and do
// not stop the pass.
func (c *Controller) remediate(ctx context.Context, report *health.Report) {
	var failed int
	try := func(err error) {
		if err != nil {
			failed++
			klog.Warning(err)
		}
	}

	if len(report.StuckPods) > 0 {
		try(c.engine.FixStuckControlPlane(ctx, report.StuckPods))
	}
	if missing := report.MissingControlPlaneContainers(); len(missing) > 0 {
		try(c.engine.RestartControlPlaneComponents(ctx, report.ControlPlaneNode))
	}
	for _, leader := range report.UnhealthyLeaders() {
		try(c.engine.FixLeaderElection(ctx, leader.Component))
	}

	notReady := map[string]bool{}
	for _, name := range report.NotReadyNodes {
		notReady[name] = true
		try(c.engine.RecoverNotReadyNode(ctx, name))
	}
	for _, svc := range report.UnhealthyServices {
		if notReady[svc.Node] {
			// the node recovery restarted its services already
			continue
		}
		try(c.engine.RestartService(ctx, svc.Node, svc.Address, svc.Service))
	}

	try(c.engine.UncordonAll(ctx))
	try(c.engine.FixCNI(ctx))
	try(c.engine.FixKubeProxy(ctx))
	try(c.engine.CleanupErrorPods(ctx))
	try(c.engine.CleanupTerminatingPods(ctx))

	if failed > 0 {
		klog.Warningf("%d remediation(s) failed in this pass", failed)
	}
}

// waitConverged polls node readiness until every node is Ready or the convergence
// timeout runs out.
func (c *Controller) waitConverged(ctx context.Context) error {
	return retry.Until(ctx, c.rc.Config.ConvergencePolicy(), "all nodes Ready", func(ctx context.Context) (bool, error) {
		nodes, err := c.cluster.ListNodes(ctx)
		if err != nil {
			klog.V(2).Infof("waiting for convergence: %v", err)
			return false, nil
		}
		for i := range nodes {
			if !health.IsNodeReady(&nodes[i]) {
				klog.V(2).Infof("waiting for convergence: node %s not Ready", nodes[i].Name)
				return false, nil
			}
		}
		return true, nil
	})
}

func (c *Controller) transition(result *Result, state State) {
	if n := len(result.Transitions); n > 0 {
		klog.V(2).Infof("%s -> %s", result.Transitions[n-1], state)
	}
	result.Transitions = append(result.Transitions, state)
}

func (c *Controller) finish(result *Result, outcome State, err error) *Result {
	c.transition(result, outcome)
	result.Outcome = outcome
	result.Err = err
	if err != nil {
		result.Error = err.Error()
	}
	result.Finished = c.clock.Now()
	result.Actions = c.rc.Log.Entries()
	c.rc.Log.Sync()

	took := result.Finished.Sub(result.Started)
	c.rc.Metrics.ObserveRun(string(outcome), took, result.Finished)
	switch outcome {
	case StateConverged:
		klog.Infof("cluster converged after %d pass(es) in %s", result.Passes, took)
	case StateDegraded:
		klog.Warningf("cluster degraded after %d pass(es): %v", result.Passes, err)
	default:
		klog.Errorf("run aborted: %v", err)
	}
	return result
}
