package remediation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clienttesting "k8s.io/client-go/testing"

	"github.com/openshift/cluster-doctor/pkg/actionlog"
	"github.com/openshift/cluster-doctor/pkg/faults"
	"github.com/openshift/cluster-doctor/pkg/nodecontrol"
	"github.com/openshift/cluster-doctor/pkg/testutils"
)

func notReadyWorker() []runtime.Object {
	return testutils.Replace(testutils.HealthyCluster(),
		testutils.FakeNode("worker-1",
			testutils.WithNodeInternalIP(testutils.Workers["worker-1"]),
			testutils.WithReadyCondition(corev1.ConditionFalse, "KubeletNotReady")),
	)
}

func TestRecoverNotReadyNode(t *testing.T) {
	objects := append(notReadyWorker(),
		testutils.FakePod("stale", testutils.WithNamespace("default"), testutils.WithScheduledNodeName("worker-1"), testutils.WithDeletionTimestamp()),
		testutils.FakePod("stale-elsewhere", testutils.WithNamespace("default"), testutils.WithScheduledNodeName("worker-2"), testutils.WithDeletionTimestamp()),
	)
	env := newTestEnv(testConfig(), objects...)
	env.nodes.ServiceActionHook = func(node, service string, action nodecontrol.ServiceAction) error {
		if service == "kubelet" && action == nodecontrol.ServiceRestart {
			setNodeReady(t, env.kube, "worker-1")
		}
		return nil
	}

	require.NoError(t, env.engine.RecoverNotReadyNode(context.TODO(), "worker-1"))

	require.Equal(t, []string{
		"10.0.0.3 service containerd stop",
		"10.0.0.3 service containerd start",
		"10.0.0.3 service kubelet restart",
	}, env.nodes.MutatingCalls())
	require.Equal(t, []string{"delete pods"}, env.mutations()[:1])

	_, err := env.kube.CoreV1().Pods("default").Get(context.TODO(), "stale", metav1.GetOptions{})
	require.Error(t, err)
	_, err = env.kube.CoreV1().Pods("default").Get(context.TODO(), "stale-elsewhere", metav1.GetOptions{})
	require.NoError(t, err)

	require.Equal(t, 1, env.log.Count(RecoverNotReadyNode))
	require.Zero(t, env.log.Count(RebootNode))
	require.Equal(t, map[string]actionlog.Outcome{RecoverNotReadyNode: actionlog.OutcomeSucceeded}, recipeOutcomes(env.log))
	require.Equal(t, []string{
		"Normal RecoverNotReadyNodeStarted restart the container runtime and kubelet until the node is Ready",
		"Normal RecoverNotReadyNodeSucceeded restart the container runtime and kubelet until the node is Ready",
	}, env.events())
}

func TestRecoverNotReadyNodeEscalatesToReboot(t *testing.T) {
	tests := []struct {
		name string
		hook func(node, service string, action nodecontrol.ServiceAction) error
	}{
		{
			name: "runtime does not start",
			hook: func(node, service string, action nodecontrol.ServiceAction) error {
				if service == "containerd" && action == nodecontrol.ServiceStart {
					return errors.New("service containerd failed to start")
				}
				return nil
			},
		},
		{
			name: "node stays NotReady",
			hook: func(string, string, nodecontrol.ServiceAction) error { return nil },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(testConfig(), notReadyWorker()...)
			env.nodes.ServiceActionHook = tt.hook
			env.nodes.RebootHook = func(node string) error {
				setNodeReady(t, env.kube, "worker-1")
				return nil
			}

			require.NoError(t, env.engine.RecoverNotReadyNode(context.TODO(), "worker-1"))

			require.Len(t, env.nodes.CallsMatching("reboot"), 1)
			require.Empty(t, env.nodes.CallsMatching("shutdown"))
			require.Equal(t, 1, env.log.Count(RecoverNotReadyNode))
			require.Equal(t, 1, env.log.Count(RebootNode))
			require.Equal(t, map[string]actionlog.Outcome{
				RecoverNotReadyNode: actionlog.OutcomeSucceeded,
				RebootNode:          actionlog.OutcomeSucceeded,
			}, recipeOutcomes(env.log))

			// drained before the reboot, schedulable again afterwards
			node, err := env.kube.CoreV1().Nodes().Get(context.TODO(), "worker-1", metav1.GetOptions{})
			require.NoError(t, err)
			require.False(t, node.Spec.Unschedulable)
			require.Contains(t, env.mutations(), "patch nodes")
		})
	}
}

func TestRebootNodeFallsBackToForcedShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.DrainBeforeReboot = false
	env := newTestEnv(cfg, notReadyWorker()...)
	env.nodes.RebootHook = func(string) error { return errors.New("reboot: rpc error: code = Unavailable") }
	env.nodes.ShutdownHook = func(string) error {
		setNodeReady(t, env.kube, "worker-1")
		return nil
	}

	require.NoError(t, env.engine.RebootNode(context.TODO(), "worker-1"))
	require.Len(t, env.nodes.CallsMatching("reboot"), cfg.MaxRetries)
	require.Equal(t, []string{"10.0.0.3 shutdown force=true"}, env.nodes.CallsMatching("shutdown"))
	require.NotContains(t, env.mutations(), "patch nodes")
}

func TestRebootNodeThatDoesNotReturn(t *testing.T) {
	env := newTestEnv(testConfig(), notReadyWorker()...)
	env.nodes.RebootHook = func(node string) error {
		env.nodes.SetUnreachable(node, true)
		return nil
	}

	err := env.engine.RebootNode(context.TODO(), "worker-1")
	require.Error(t, err)
	require.True(t, faults.IsTimeout(err))
	var actionErr *faults.ActionError
	require.ErrorAs(t, err, &actionErr)
	require.Equal(t, RebootNode, actionErr.Action)

	// reported, not rebooted again
	require.Len(t, env.nodes.CallsMatching("reboot"), 1)
	require.Equal(t, map[string]actionlog.Outcome{RebootNode: actionlog.OutcomeFailed}, recipeOutcomes(env.log))
}

func TestRebootNodeKeepsOperatorCordon(t *testing.T) {
	objects := testutils.Replace(testutils.HealthyCluster(),
		testutils.FakeNode("worker-1",
			testutils.WithNodeInternalIP(testutils.Workers["worker-1"]),
			testutils.WithUnschedulable(),
			testutils.WithReadyCondition(corev1.ConditionFalse, "KubeletNotReady")),
	)
	env := newTestEnv(testConfig(), objects...)
	env.nodes.RebootHook = func(string) error {
		setNodeReady(t, env.kube, "worker-1")
		return nil
	}

	require.NoError(t, env.engine.RebootNode(context.TODO(), "worker-1"))
	node, err := env.kube.CoreV1().Nodes().Get(context.TODO(), "worker-1", metav1.GetOptions{})
	require.NoError(t, err)
	require.True(t, node.Spec.Unschedulable)
}

func TestRecoverControlPlaneEndpoint(t *testing.T) {
	env := newTestEnv(testConfig(), testutils.HealthyCluster()...)
	var apiUp atomic.Bool
	env.kube.PrependReactor("get", "version", func(clienttesting.Action) (bool, runtime.Object, error) {
		if apiUp.Load() {
			return false, nil, nil
		}
		return true, nil, errors.New("connection refused")
	})
	env.nodes.RebootHook = func(string) error {
		apiUp.Store(true)
		return nil
	}

	require.NoError(t, env.engine.RecoverControlPlaneEndpoint(context.TODO()))
	require.Equal(t, []string{"10.0.0.2 reboot"}, env.nodes.MutatingCalls())
	require.Empty(t, env.mutations())
	require.Empty(t, env.events())
	require.Equal(t, map[string]actionlog.Outcome{RecoverControlPlaneEndpoint: actionlog.OutcomeSucceeded}, recipeOutcomes(env.log))
}

func TestRecoverControlPlaneEndpointFails(t *testing.T) {
	env := newTestEnv(testConfig(), testutils.HealthyCluster()...)
	env.kube.PrependReactor("get", "version", func(clienttesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("connection refused")
	})

	err := env.engine.RecoverControlPlaneEndpoint(context.TODO())
	require.Error(t, err)
	require.True(t, faults.IsTimeout(err))
	require.Equal(t, []string{"10.0.0.2 reboot"}, env.nodes.MutatingCalls())
}

func TestRestartService(t *testing.T) {
	tests := []struct {
		name     string
		running  bool
		health   nodecontrol.HealthFlag
		expected string
	}{
		{name: "failing health check", running: true, health: nodecontrol.HealthFail, expected: "10.0.0.3 service kubelet restart"},
		{name: "stopped", running: false, health: nodecontrol.HealthUnknown, expected: "10.0.0.3 service kubelet start"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(testConfig(), testutils.HealthyCluster()...)
			env.nodes.SetService("10.0.0.3", "kubelet", tt.running, tt.health)
			env.nodes.ServiceActionHook = func(node, service string, _ nodecontrol.ServiceAction) error {
				env.nodes.SetService(node, service, true, nodecontrol.HealthOK)
				return nil
			}

			require.NoError(t, env.engine.RestartService(context.TODO(), "worker-1", "10.0.0.3", "kubelet"))
			require.Equal(t, []string{tt.expected}, env.nodes.MutatingCalls())
			require.Equal(t, map[string]actionlog.Outcome{RestartService: actionlog.OutcomeSucceeded}, recipeOutcomes(env.log))
		})
	}
}

func TestRestartServiceNeverHealthy(t *testing.T) {
	env := newTestEnv(testConfig(), testutils.HealthyCluster()...)
	env.nodes.SetService("10.0.0.3", "kubelet", true, nodecontrol.HealthFail)

	err := env.engine.RestartService(context.TODO(), "worker-1", "10.0.0.3", "kubelet")
	require.Error(t, err)
	require.True(t, faults.IsTimeout(err))
	require.Equal(t, []string{"10.0.0.3 service kubelet restart"}, env.nodes.MutatingCalls())
}
