package health

import (
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"github.com/openshift/cluster-doctor/pkg/testutils"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		pod      *corev1.Pod
		expected PodCategory
	}{
		{
			name:     "running workload",
			pod:      testutils.FakePod("app", testutils.WithNamespace("default")),
			expected: PodHealthy,
		},
		{
			name:     "terminating wins over failed",
			pod:      testutils.FakePod("app", testutils.WithDeletionTimestamp(), testutils.WithPodStatus(corev1.PodFailed)),
			expected: PodTerminating,
		},
		{
			name:     "terminating control-plane pod with lost status",
			pod:      testutils.ControlPlanePod("kube-scheduler", testutils.WithDeletionTimestamp(), testutils.WithWaitingContainer("kube-scheduler", "ContainerStatusUnknown")),
			expected: PodTerminating,
		},
		{
			name:     "failed pod",
			pod:      testutils.FakePod("job", testutils.WithNamespace("default"), testutils.WithPodStatus(corev1.PodFailed)),
			expected: PodError,
		},
		{
			name:     "error phase",
			pod:      testutils.FakePod("job", testutils.WithPodStatus("Error")),
			expected: PodError,
		},
		{
			name:     "failed control-plane pod is an error, not stuck",
			pod:      testutils.ControlPlanePod("kube-scheduler", testutils.WithPodStatus(corev1.PodFailed), testutils.WithPodReady(corev1.ConditionFalse)),
			expected: PodError,
		},
		{
			name:     "control-plane pod with lost container status",
			pod:      testutils.ControlPlanePod("kube-apiserver", testutils.WithTerminatedContainer("kube-apiserver", "ContainerStatusUnknown")),
			expected: PodStuck,
		},
		{
			name:     "control-plane pod in unknown phase",
			pod:      testutils.ControlPlanePod("kube-apiserver", testutils.WithPodStatus(corev1.PodUnknown)),
			expected: PodStuck,
		},
		{
			name:     "control-plane pod not ready",
			pod:      testutils.ControlPlanePod("kube-controller-manager", testutils.WithPodReady(corev1.ConditionFalse)),
			expected: PodStuck,
		},
		{
			name:     "not ready workload is not stuck",
			pod:      testutils.FakePod("app", testutils.WithNamespace("default"), testutils.WithPodReady(corev1.ConditionFalse)),
			expected: PodHealthy,
		},
		{
			name:     "lost status outside the control-plane tier",
			pod:      testutils.FakePod("coredns", testutils.WithWaitingContainer("coredns", "ContainerStatusUnknown")),
			expected: PodHealthy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, Classify(tt.pod))
		})
	}
}

func TestPodSetsAreDisjoint(t *testing.T) {
	pods := []corev1.Pod{
		*testutils.FakePod("terminating", testutils.WithDeletionTimestamp(), testutils.WithPodStatus(corev1.PodFailed)),
		*testutils.ControlPlanePod("kube-scheduler", testutils.WithDeletionTimestamp(), testutils.WithPodReady(corev1.ConditionFalse)),
		*testutils.FakePod("failed", testutils.WithPodStatus(corev1.PodFailed)),
		*testutils.ControlPlanePod("kube-apiserver", testutils.WithWaitingContainer("kube-apiserver", "ContainerStatusUnknown")),
		*testutils.ControlPlanePod("kube-controller-manager", testutils.WithPodReady(corev1.ConditionFalse)),
		// flagged by both heuristics, reported once
		*testutils.ControlPlanePod("etcd", testutils.WithPodStatus(corev1.PodUnknown), testutils.WithPodReady(corev1.ConditionFalse)),
		*testutils.FakePod("healthy"),
	}

	terminating, errored, stuck := podSets(pods)
	require.Equal(t, []string{"kube-system/terminating", "kube-system/kube-scheduler-cp-1"}, keys(terminating))
	require.Equal(t, []string{"kube-system/failed"}, keys(errored))
	require.Equal(t, []string{"kube-system/kube-apiserver-cp-1", "kube-system/kube-controller-manager-cp-1", "kube-system/etcd-cp-1"}, keys(stuck))

	seen := map[string]int{}
	for _, set := range [][]PodRecord{terminating, errored, stuck} {
		for _, p := range set {
			seen[p.Key()]++
		}
	}
	for key, n := range seen {
		require.Equal(t, 1, n, "pod %s in more than one category", key)
	}
	// every pod with a deletion timestamp is in the terminating set
	for i := range pods {
		if pods[i].DeletionTimestamp != nil {
			require.Contains(t, keys(terminating), pods[i].Namespace+"/"+pods[i].Name)
		}
	}
	for _, p := range append(append(terminating, errored...), stuck...) {
		require.Equal(t, p.Category, Classify(podByKey(pods, p.Key())))
	}
}

func keys(records []PodRecord) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.Key())
	}
	return out
}

func podByKey(pods []corev1.Pod, key string) *corev1.Pod {
	for i := range pods {
		if pods[i].Namespace+"/"+pods[i].Name == key {
			return &pods[i]
		}
	}
	return nil
}

func TestNodeAddress(t *testing.T) {
	require.Equal(t, "10.0.0.3", NodeAddress(testutils.FakeNode("w", testutils.WithNodeInternalIP("10.0.0.3"))))
	require.Equal(t, "w", NodeAddress(testutils.FakeNode("w")))

	node := testutils.FakeNode("w")
	node.Status.Addresses = []corev1.NodeAddress{{Type: corev1.NodeHostName, Address: "w.local"}}
	require.Equal(t, "w.local", NodeAddress(node))
}

func TestMatchCNIPattern(t *testing.T) {
	patterns := []string{"flannel", "calico", "cilium"}
	require.Equal(t, "flannel", MatchCNIPattern("kube-flannel-ds-abcde", patterns))
	require.Equal(t, "cilium", MatchCNIPattern("Cilium-operator-5f", patterns))
	require.Empty(t, MatchCNIPattern("coredns-7db6d8ff4d", patterns))
}
