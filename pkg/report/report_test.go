package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/ghodss/yaml"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/openshift/cluster-doctor/pkg/actionlog"
	"github.com/openshift/cluster-doctor/pkg/config"
	"github.com/openshift/cluster-doctor/pkg/escalation"
	"github.com/openshift/cluster-doctor/pkg/health"
	"github.com/openshift/cluster-doctor/pkg/nodecontrol"
)

var started = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func degradedResult() *escalation.Result {
	return &escalation.Result{
		Outcome: escalation.StateDegraded,
		Report: &health.Report{
			GeneratedAt:      started,
			ControlPlaneNode: "cp-1",
			Nodes: []health.NodeRecord{
				{Name: "cp-1", Address: "10.0.0.2", ControlPlane: true, Reachable: metav1.ConditionTrue, Ready: corev1.ConditionTrue},
				{Name: "worker-1", Address: "10.0.0.3", Reachable: metav1.ConditionTrue, Ready: corev1.ConditionFalse, ReadyReason: "KubeletNotReady"},
			},
			NotReadyNodes: []string{"worker-1"},
			CNI:           health.CNIStatus{State: health.StatusHealthy, Plugin: "flannel", Pods: 2},
			KubeProxy:     health.KubeProxyStatus{Known: true, Running: 2, Expected: 2},
			Scheduler:     health.LeaderStatus{Component: health.ComponentScheduler, State: health.StatusHealthy, Holder: "cp-1_abc"},
			ControllerManager: health.LeaderStatus{
				Component: health.ComponentControllerManager, State: health.StatusHealthy, Holder: "cp-1_def",
			},
			ControlPlaneContainers: map[string]metav1.ConditionStatus{health.ComponentAPIServer: metav1.ConditionTrue},
		},
		Actions: []actionlog.Entry{
			{Sequence: 1, Action: "Recover-NotReady-Node", Target: "worker-1", Outcome: actionlog.OutcomeFailed, Detail: "node worker-1 not Ready"},
			{Sequence: 2, Action: "service-restart", Recipe: "Recover-NotReady-Node", Target: "10.0.0.3", Outcome: actionlog.OutcomeSucceeded},
			{Sequence: 3, Action: "Uncordon-All", Outcome: actionlog.OutcomeSkipped, Detail: "no cordoned node"},
		},
		Diagnostics: []escalation.NodeDiagnostics{{
			Node:           "worker-1",
			Address:        "10.0.0.3",
			DiskUsage:      []nodecontrol.DiskUsage{{MountedOn: "/var", PercentUsed: 97}},
			KubeletService: "kubelet",
			KubeletLogs:    []string{"PLEG is not healthy"},
			Errors:         []string{"kernel log: connection refused"},
		}},
		Passes:      1,
		Transitions: []escalation.State{escalation.StateProbing, escalation.StateEvaluating, escalation.StateRemediating, escalation.StateVerifying, escalation.StateDegraded},
		Started:     started,
		Finished:    started.Add(90 * time.Second),
		Error:       "timed out after 5m0s waiting for all nodes Ready",
	}
}

func TestWriteText(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Write(&out, config.ReportText, degradedResult()))
	text := out.String()

	for _, want := range []string{
		"OUTCOME: Degraded (exit 1) after 1 pass(es) in 1m30s",
		"STATES: Probing -> Evaluating -> Remediating -> Verifying -> Degraded",
		"ERROR: timed out after 5m0s",
		"False (KubeletNotReady)",
		"Healthy (flannel, 2 pods)",
		"2/2 running",
		"Healthy (held by cp-1_abc)",
		"kube-scheduler container",
		"etcd quorum",
		"FINDINGS: not_ready_nodes=1",
		"Recover-NotReady-Node",
		"DIAGNOSTICS worker-1 (10.0.0.3)",
		"kubelet | PLEG is not healthy",
		"97% used",
		"not collected: kernel log",
	} {
		require.Contains(t, text, want)
	}
	// steps stay out of the summary
	require.NotContains(t, text, "service-restart")
}

func TestWriteTextLabelsLogsWithTheirService(t *testing.T) {
	result := degradedResult()
	result.Diagnostics[0].KubeletService = "k3s-agent"

	var out bytes.Buffer
	require.NoError(t, Write(&out, config.ReportText, result))
	require.Contains(t, out.String(), "k3s-agent | PLEG is not healthy")
	require.NotContains(t, out.String(), "kubelet | ")
}

func TestWriteTextWithoutReport(t *testing.T) {
	result := &escalation.Result{
		Outcome:     escalation.StateFatal,
		Transitions: []escalation.State{escalation.StateProbing, escalation.StateFatal},
		Started:     started,
		Finished:    started.Add(time.Second),
		Error:       "cannot reach Kubernetes API: connection refused",
	}
	var out bytes.Buffer
	require.NoError(t, Write(&out, config.ReportText, result))
	require.Contains(t, out.String(), "OUTCOME: Fatal (exit 1)")
	require.Contains(t, out.String(), "ERROR: cannot reach Kubernetes API")
	require.NotContains(t, out.String(), "FINDINGS")
}

func TestWriteStructured(t *testing.T) {
	tests := []struct {
		format    string
		unmarshal func([]byte, interface{}) error
	}{
		{format: config.ReportJSON, unmarshal: json.Unmarshal},
		{format: config.ReportYAML, unmarshal: func(data []byte, v interface{}) error { return yaml.Unmarshal(data, v) }},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, Write(&out, tt.format, degradedResult()))

			var decoded escalation.Result
			require.NoError(t, tt.unmarshal(out.Bytes(), &decoded))
			require.Equal(t, escalation.StateDegraded, decoded.Outcome)
			require.Equal(t, []string{"worker-1"}, decoded.Report.NotReadyNodes)
			if diff := cmp.Diff(degradedResult().Report.Nodes, decoded.Report.Nodes); diff != "" {
				t.Errorf("nodes differ after decoding (-want +got):\n%s", diff)
			}
			require.Len(t, decoded.Actions, 3)
			require.Equal(t, "Recover-NotReady-Node", decoded.Actions[1].Recipe)
			require.Equal(t, []string{"PLEG is not healthy"}, decoded.Diagnostics[0].KubeletLogs)
			require.Contains(t, decoded.Error, "timed out")
		})
	}
}

func TestWriteUnsupportedFormat(t *testing.T) {
	require.ErrorContains(t, Write(&bytes.Buffer{}, "xml", degradedResult()), `unsupported report format "xml"`)
}
