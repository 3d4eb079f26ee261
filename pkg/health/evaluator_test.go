package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"

	"github.com/openshift/cluster-doctor/pkg/clusterclient"
	"github.com/openshift/cluster-doctor/pkg/config"
	"github.com/openshift/cluster-doctor/pkg/faults"
	"github.com/openshift/cluster-doctor/pkg/nodecontrol"
	"github.com/openshift/cluster-doctor/pkg/testutils"
)

type fakeEtcd struct{ err error }

func (f fakeEtcd) Probe(context.Context) error { return f.err }

func newTestEvaluator(objects []runtime.Object, nodes *testutils.FakeNodeControl, etcd EtcdProber) (*Evaluator, *fake.Clientset) {
	cfg := config.Defaults()
	cfg.ControlPlaneAddress = testutils.ControlPlaneAddress
	cfg.CordonExemptNodes = []string{"worker-2"}
	client := fake.NewSimpleClientset(objects...)
	rc := config.NewRunContext(cfg, nil, nil, nil)
	return NewEvaluator(clusterclient.New(client, nil, nil), nodes, rc, etcd), client
}

func TestEvaluateHealthyCluster(t *testing.T) {
	nodes := testutils.NewFakeNodeControl()
	e, _ := newTestEvaluator(testutils.HealthyCluster(), nodes, fakeEtcd{})

	report, err := e.Evaluate(context.Background())
	require.NoError(t, err)
	require.True(t, report.Healthy(), "problems: %v, probe errors: %v", report.Problems(), report.ProbeErrors)

	require.Equal(t, testutils.ControlPlaneNode, report.ControlPlaneNode)
	require.Len(t, report.Nodes, 3)
	require.Equal(t, CNIStatus{State: StatusHealthy, Plugin: "flannel", Pods: 3}, report.CNI)
	require.Equal(t, KubeProxyStatus{Known: true, Running: 3, Expected: 3}, report.KubeProxy)
	require.Equal(t, StatusHealthy, report.Scheduler.State)
	require.Equal(t, StatusHealthy, report.ControllerManager.State)
	require.Equal(t, metav1.ConditionTrue, report.Etcd.Healthy)
	for _, component := range ControlPlaneComponents {
		require.Equal(t, metav1.ConditionTrue, report.ControlPlaneContainers[component])
	}
	require.Empty(t, nodes.MutatingCalls())
}

func TestEvaluateSymptoms(t *testing.T) {
	tests := []struct {
		name    string
		objects func() []runtime.Object
		nodes   func(*testutils.FakeNodeControl)
		etcd    EtcdProber
		verify  func(t *testing.T, r *Report)
	}{
		{
			name: "worker not ready",
			objects: func() []runtime.Object {
				return testutils.Replace(testutils.HealthyCluster(), testutils.FakeNode("worker-1",
					testutils.WithNodeInternalIP("10.0.0.3"), testutils.WithReadyCondition(corev1.ConditionFalse, "KubeletNotReady")))
			},
			verify: func(t *testing.T, r *Report) {
				require.Equal(t, []string{"worker-1"}, r.NotReadyNodes)
				n, ok := r.Node("worker-1")
				require.True(t, ok)
				require.Equal(t, "KubeletNotReady", n.ReadyReason)
			},
		},
		{
			name: "cordoned nodes, one exempt by configuration and one by annotation",
			objects: func() []runtime.Object {
				return testutils.Replace(testutils.HealthyCluster(),
					testutils.FakeNode("worker-1", testutils.WithNodeInternalIP("10.0.0.3"), testutils.WithUnschedulable()),
					testutils.FakeNode("worker-2", testutils.WithNodeInternalIP("10.0.0.4"), testutils.WithUnschedulable()),
					testutils.FakeNode(testutils.ControlPlaneNode, testutils.WithControlPlaneLabel(), testutils.WithNodeInternalIP(testutils.ControlPlaneAddress),
						testutils.WithUnschedulable(), testutils.WithNodeAnnotation(config.IntentionallyCordonedAnnotation, "true")),
				)
			},
			verify: func(t *testing.T, r *Report) {
				require.Equal(t, []string{"worker-1"}, r.CordonedNodes)
				n, _ := r.Node("worker-2")
				require.True(t, n.CordonExempt)
				n, _ = r.Node(testutils.ControlPlaneNode)
				require.True(t, n.CordonExempt)
			},
		},
		{
			name:    "unreachable worker",
			objects: testutils.HealthyCluster,
			nodes: func(n *testutils.FakeNodeControl) {
				n.SetUnreachable("10.0.0.4", true)
			},
			verify: func(t *testing.T, r *Report) {
				require.Equal(t, []string{"worker-2"}, r.UnreachableNodes)
				n, _ := r.Node("worker-2")
				require.Equal(t, metav1.ConditionFalse, n.Reachable)
				require.Empty(t, r.ProbeErrors)
			},
		},
		{
			name:    "failing kubelet and missing etcd",
			objects: testutils.HealthyCluster,
			nodes: func(n *testutils.FakeNodeControl) {
				n.SetService("10.0.0.3", "kubelet", true, nodecontrol.HealthFail)
				n.NodeServices[testutils.ControlPlaneAddress] = []nodecontrol.ServiceStatus{
					{Service: "kubelet", State: "Running", Running: true, Health: nodecontrol.HealthOK},
				}
			},
			verify: func(t *testing.T, r *Report) {
				require.Equal(t, []ServiceProblem{
					{Node: testutils.ControlPlaneNode, Address: testutils.ControlPlaneAddress, Service: "etcd", Missing: true, Health: nodecontrol.HealthUnknown},
					{Node: "worker-1", Address: "10.0.0.3", Service: "kubelet", State: "Running", Health: nodecontrol.HealthFail},
				}, r.UnhealthyServices)
			},
		},
		{
			name: "no CNI",
			objects: func() []runtime.Object {
				return testutils.Without(testutils.HealthyCluster(), "kube-flannel-ds-0", "kube-flannel-ds-1", "kube-flannel-ds-2")
			},
			verify: func(t *testing.T, r *Report) {
				require.Equal(t, StatusAbsent, r.CNI.State)
			},
		},
		{
			name: "CNI pod pending",
			objects: func() []runtime.Object {
				return testutils.Replace(testutils.HealthyCluster(), testutils.FakePod("kube-flannel-ds-1",
					testutils.WithNamespace("kube-flannel"), testutils.WithPodStatus(corev1.PodPending)))
			},
			verify: func(t *testing.T, r *Report) {
				require.Equal(t, StatusDegraded, r.CNI.State)
				require.Equal(t, []string{"kube-flannel/kube-flannel-ds-1"}, r.CNI.NotRunning)
			},
		},
		{
			name: "kube-proxy under-replicated",
			objects: func() []runtime.Object {
				return testutils.Without(testutils.HealthyCluster(), "kube-proxy-2")
			},
			verify: func(t *testing.T, r *Report) {
				require.Equal(t, KubeProxyStatus{Known: true, Running: 2, Expected: 3}, r.KubeProxy)
				require.Equal(t, 1, r.Findings()["kube_proxy"])
			},
		},
		{
			name: "scheduler without leader, controller-manager leader not ready",
			objects: func() []runtime.Object {
				return testutils.Replace(testutils.HealthyCluster(),
					testutils.Lease("kube-scheduler", ""),
					testutils.ControlPlanePod("kube-controller-manager", testutils.WithPodReady(corev1.ConditionFalse)),
				)
			},
			verify: func(t *testing.T, r *Report) {
				require.Equal(t, StatusFailed, r.Scheduler.State)
				require.Equal(t, StatusDegraded, r.ControllerManager.State)
				require.Len(t, r.UnhealthyLeaders(), 2)
				require.Equal(t, []string{"kube-system/kube-controller-manager-cp-1"}, keys(r.StuckPods))
			},
		},
		{
			name:    "apiserver container exited",
			objects: testutils.HealthyCluster,
			nodes: func(n *testutils.FakeNodeControl) {
				n.NodeContainers[testutils.ControlPlaneAddress] = []nodecontrol.Container{
					{ID: "kube-system/kube-apiserver-cp-1:kube-apiserver", Status: "CONTAINER_EXITED"},
					{ID: "kube-system/kube-controller-manager-cp-1:kube-controller-manager", Status: "CONTAINER_RUNNING"},
					{ID: "kube-system/kube-scheduler-cp-1:kube-scheduler", Status: "CONTAINER_RUNNING"},
				}
			},
			verify: func(t *testing.T, r *Report) {
				require.Equal(t, []string{ComponentAPIServer}, r.MissingControlPlaneContainers())
			},
		},
		{
			name: "stuck and terminating control-plane pods",
			objects: func() []runtime.Object {
				return testutils.Replace(testutils.HealthyCluster(),
					testutils.ControlPlanePod("kube-apiserver", testutils.WithTerminatedContainer("kube-apiserver", "ContainerStatusUnknown")),
					testutils.ControlPlanePod("kube-scheduler", testutils.WithDeletionTimestamp()),
				)
			},
			verify: func(t *testing.T, r *Report) {
				require.Equal(t, []string{"kube-system/kube-apiserver-cp-1"}, keys(r.StuckPods))
				require.Equal(t, []string{"kube-system/kube-scheduler-cp-1"}, keys(r.TerminatingPods))
				require.Equal(t, StatusDegraded, r.Scheduler.State)
			},
		},
		{
			name:    "etcd quorum lost",
			objects: testutils.HealthyCluster,
			etcd:    fakeEtcd{err: errors.New("context deadline exceeded")},
			verify: func(t *testing.T, r *Report) {
				require.Equal(t, metav1.ConditionFalse, r.Etcd.Healthy)
				require.Equal(t, []string{"etcd"}, r.Problems())
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes := testutils.NewFakeNodeControl()
			if tt.nodes != nil {
				tt.nodes(nodes)
			}
			e, _ := newTestEvaluator(tt.objects(), nodes, tt.etcd)
			report, err := e.Evaluate(context.Background())
			require.NoError(t, err)
			require.False(t, report.Healthy())
			tt.verify(t, report)
			require.Empty(t, nodes.MutatingCalls())
		})
	}
}

func TestEvaluateConnectivityErrors(t *testing.T) {
	t.Run("api server down", func(t *testing.T) {
		e, client := newTestEvaluator(testutils.HealthyCluster(), testutils.NewFakeNodeControl(), nil)
		client.PrependReactor("list", "nodes", func(clienttesting.Action) (bool, runtime.Object, error) {
			return true, nil, errors.New("connection refused")
		})
		_, err := e.Evaluate(context.Background())
		require.True(t, faults.IsFatal(err))
		require.ErrorContains(t, err, "Kubernetes API")
	})

	t.Run("control-plane node control down", func(t *testing.T) {
		nodes := testutils.NewFakeNodeControl()
		nodes.SetUnreachable(testutils.ControlPlaneAddress, true)
		e, _ := newTestEvaluator(testutils.HealthyCluster(), nodes, nil)
		_, err := e.Evaluate(context.Background())
		require.True(t, faults.IsFatal(err))
		require.ErrorContains(t, err, testutils.ControlPlaneAddress)
	})
}

func TestEvaluateProbeErrorsDegradeToUnknown(t *testing.T) {
	e, client := newTestEvaluator(testutils.HealthyCluster(), testutils.NewFakeNodeControl(), nil)
	client.PrependReactor("list", "pods", func(clienttesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("etcdserver: request timed out")
	})
	client.PrependReactor("get", "leases", func(clienttesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("etcdserver: request timed out")
	})

	report, err := e.Evaluate(context.Background())
	require.NoError(t, err)
	require.False(t, report.PodsKnown)
	require.Equal(t, StatusUnknown, report.CNI.State)
	require.False(t, report.KubeProxy.Known)
	require.Equal(t, StatusUnknown, report.Scheduler.State)
	require.Equal(t, StatusUnknown, report.ControllerManager.State)
	require.Len(t, report.ProbeErrors, 3)
	require.Equal(t, "pods", report.ProbeErrors[0].Check)
	// nothing to remediate, but health is not proven either
	require.Empty(t, report.UnhealthyLeaders())
	require.False(t, report.Healthy())
}
