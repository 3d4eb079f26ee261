package remediation

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/openshift/cluster-doctor/pkg/clusterclient"
	"github.com/openshift/cluster-doctor/pkg/config"
	"github.com/openshift/cluster-doctor/pkg/faults"
	"github.com/openshift/cluster-doctor/pkg/health"
	"github.com/openshift/cluster-doctor/pkg/nodecontrol"
	"github.com/openshift/cluster-doctor/pkg/retry"
)

// Recipe names, as they appear in the action log, metrics and events.
const (
	RecoverNotReadyNode           = "Recover-NotReady-Node"
	RebootNode                    = "Reboot-Node"
	FixStuckControlPlane          = "Fix-Stuck-Control-Plane"
	FixCNI                        = "Fix-CNI"
	FixKubeProxy                  = "Fix-kube-proxy"
	UncordonAll                   = "Uncordon-All"
	CleanupErrorPods              = "Cleanup-Error-Pods"
	CleanupTerminatingPods        = "Cleanup-Terminating-Pods"
	RestartControlPlaneComponents = "Restart-Control-Plane-Components"
	FixLeaderElection             = "Fix-Leader-Election"
	RestartService                = "Restart-Service"
	RecoverControlPlaneEndpoint   = "Recover-Control-Plane-Endpoint"
)

// Step names recorded below a recipe.
const (
	stepDeletePod      = "delete-pod"
	stepDrain          = "drain"
	stepReboot         = "reboot"
	stepShutdown       = "shutdown"
	stepUncordon       = "uncordon"
	stepRolloutRestart = "rollout-restart"
	stepApplyManifest  = "apply-manifest"
	stepWait           = "wait"
)

// Engine runs remediation recipes. Every recipe re-checks the live state first and
// does nothing when its target is already healthy.
type Engine struct {
	cluster clusterclient.Interface
	nodes   nodecontrol.Interface
	rc      *config.RunContext

	fetchManifest func(ctx context.Context, location string) ([]byte, error)
}

func NewEngine(cluster clusterclient.Interface, nodes nodecontrol.Interface, rc *config.RunContext) *Engine {
	return &Engine{
		cluster: cluster,
		nodes:   nodes,
		rc:      rc,
		fetchManifest: func(ctx context.Context, location string) ([]byte, error) {
			return LoadManifest(ctx, location, rc.Config.CallTimeout)
		},
	}
}

// precheck returns a non-empty reason when the recipe has nothing to do.
type precheck func() (string, error)

// run journals one recipe invocation. Events are emitted on node when it is set.
func (e *Engine) run(recipe, target, node, intent string, check precheck, fix func() error) error {
	step := e.rc.Log.Begin(recipe, target, intent)

	reason, err := check()
	if err != nil {
		step.Finish(err)
		return &faults.ActionError{Action: recipe, Target: target, Err: err}
	}
	if reason != "" {
		step.Skip(reason)
		return nil
	}

	e.event(node, corev1.EventTypeNormal, eventReason(recipe)+"Started", intent)
	if err := fix(); err != nil {
		step.Finish(err)
		e.event(node, corev1.EventTypeWarning, eventReason(recipe)+"Failed", err.Error())
		return &faults.ActionError{Action: recipe, Target: target, Err: err}
	}
	step.Finish(nil)
	e.event(node, corev1.EventTypeNormal, eventReason(recipe)+"Succeeded", intent)
	return nil
}

// step runs one retried action of a recipe.
func (e *Engine) step(ctx context.Context, recipe, action, target, intent string, fn func(context.Context) error) error {
	return e.stepWithPolicy(ctx, recipe, action, target, intent, e.rc.Config.StepPolicy(), fn)
}

func (e *Engine) stepWithPolicy(ctx context.Context, recipe, action, target, intent string, p retry.Policy, fn func(context.Context) error) error {
	s := e.rc.Log.BeginStep(recipe, action, target, intent)
	err := retry.Do(ctx, p, intent, fn)
	s.Finish(err)
	return err
}

// wait is a journaled bounded poll.
func (e *Engine) wait(ctx context.Context, recipe, target, intent string, p retry.Policy, cond wait.ConditionWithContextFunc) error {
	s := e.rc.Log.BeginStep(recipe, stepWait, target, intent)
	err := retry.Until(ctx, p, intent, cond)
	s.Finish(err)
	return err
}

func (e *Engine) serviceAction(ctx context.Context, recipe, address, service string, action nodecontrol.ServiceAction) error {
	return e.step(ctx, recipe, "service-"+string(action), address, fmt.Sprintf("%s %s", action, service),
		func(ctx context.Context) error {
			return e.nodes.ServiceAction(ctx, address, service, action)
		})
}

func (e *Engine) deletePod(ctx context.Context, recipe, namespace, name string) error {
	key := namespace + "/" + name
	return e.step(ctx, recipe, stepDeletePod, key, "force-delete pod "+key, func(ctx context.Context) error {
		return e.cluster.DeletePod(ctx, namespace, name, true)
	})
}

// waitNodeReady polls the Ready condition. API errors are tolerated while polling.
func (e *Engine) waitNodeReady(ctx context.Context, recipe, name string) error {
	return e.wait(ctx, recipe, name, "node "+name+" Ready", e.rc.Config.NodeReadyPolicy(), func(ctx context.Context) (bool, error) {
		node, err := e.cluster.GetNode(ctx, name)
		if err != nil {
			klog.V(2).Infof("waiting for node %s: %v", name, err)
			return false, nil
		}
		return health.IsNodeReady(node), nil
	})
}

func (e *Engine) event(node, eventType, reason, message string) {
	if node == "" {
		return
	}
	e.rc.Recorder.Event(clusterclient.NodeReference(node), eventType, reason, message)
}

// eventReason turns "Fix-kube-proxy" into "FixKubeProxy".
func eventReason(recipe string) string {
	var b strings.Builder
	for _, part := range strings.Split(recipe, "-") {
		if part == "" {
			continue
		}
		r := []rune(part)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return b.String()
}
