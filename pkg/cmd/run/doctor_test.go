package run

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/openshift/cluster-doctor/pkg/clusterclient"
	"github.com/openshift/cluster-doctor/pkg/config"
	"github.com/openshift/cluster-doctor/pkg/escalation"
	"github.com/openshift/cluster-doctor/pkg/testutils"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.ControlPlaneAddress = testutils.ControlPlaneAddress
	cfg.RetryDelay = time.Millisecond
	cfg.CallTimeout = 20 * time.Millisecond
	cfg.ConvergenceTimeout = 50 * time.Millisecond
	cfg.ConvergenceInterval = 5 * time.Millisecond
	cfg.MetricsTextfile = filepath.Join(t.TempDir(), "cluster_doctor.prom")
	return cfg
}

func newTestDoctor(t *testing.T, cfg *config.Config, objects ...runtime.Object) (*Doctor, *fake.Clientset, *testutils.FakeNodeControl) {
	kube := fake.NewSimpleClientset(objects...)
	nodes := testutils.NewFakeNodeControl()
	d, err := newDoctor(cfg, clusterclient.New(kube, nil, nil), nodes, kube)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, kube, nodes
}

func TestRunOnceHealthyCluster(t *testing.T) {
	cfg := testConfig(t)
	d, _, nodes := newTestDoctor(t, cfg, testutils.HealthyCluster()...)

	var out bytes.Buffer
	result := d.RunOnce(context.TODO(), &out)

	require.Equal(t, escalation.StateConverged, result.Outcome)
	require.Equal(t, 0, result.ExitCode())
	require.Contains(t, out.String(), "OUTCOME: Converged (exit 0)")
	require.Empty(t, nodes.MutatingCalls())

	require.Equal(t, 1.0, convergedRuns(t, cfg.MetricsTextfile))
}

func TestRunOnceCheckOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoFix = false
	cfg.ReportFormat = config.ReportJSON
	notReady := testutils.FakeNode("worker-1",
		testutils.WithNodeInternalIP(testutils.Workers["worker-1"]),
		testutils.WithReadyCondition(corev1.ConditionFalse, "KubeletNotReady"))
	d, kube, nodes := newTestDoctor(t, cfg, testutils.Replace(testutils.HealthyCluster(), notReady)...)

	var out bytes.Buffer
	result := d.RunOnce(context.TODO(), &out)

	require.Equal(t, 1, result.ExitCode())
	var decoded escalation.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Equal(t, escalation.StateDegraded, decoded.Outcome)
	require.Empty(t, nodes.MutatingCalls())
	for _, action := range kube.Actions() {
		require.Contains(t, []string{"get", "list"}, action.GetVerb())
	}
}

func TestRunOnceKeepsMetricsAcrossRuns(t *testing.T) {
	cfg := testConfig(t)
	d, _, _ := newTestDoctor(t, cfg, testutils.HealthyCluster()...)

	for i := 0; i < 2; i++ {
		d.RunOnce(context.TODO(), &bytes.Buffer{})
	}
	require.Equal(t, 2.0, convergedRuns(t, cfg.MetricsTextfile))
}

func convergedRuns(t *testing.T, path string) float64 {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(f)
	require.NoError(t, err)
	runs, ok := families["cluster_doctor_runs_total"]
	require.True(t, ok)
	for _, m := range runs.GetMetric() {
		for _, label := range m.GetLabel() {
			if label.GetName() == "outcome" && label.GetValue() == string(escalation.StateConverged) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestValidateCheckForcesAutoFixOff(t *testing.T) {
	opts := &runOpts{options: config.NewOptions(), checkOnly: true}
	cmd := newCommand(opts, "check", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--control-plane-address=10.0.0.2", "--auto-fix=true"}))

	require.NoError(t, opts.Validate())
	require.False(t, opts.config.AutoFix)
	require.Equal(t, "10.0.0.2", opts.config.ControlPlaneAddress)
}

func TestValidateRejectsMissingControlPlane(t *testing.T) {
	t.Setenv("CONTROL_PLANE_ADDRESS", "")
	opts := &runOpts{options: config.NewOptions()}
	cmd := newCommand(opts, "run", "")
	require.NoError(t, cmd.Flags().Parse(nil))

	require.ErrorContains(t, opts.Validate(), "control plane address is required")
}
