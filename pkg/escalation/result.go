package escalation

import (
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/openshift/cluster-doctor/pkg/actionlog"
	"github.com/openshift/cluster-doctor/pkg/health"
	"github.com/openshift/cluster-doctor/pkg/nodecontrol"
)

type State string

const (
	StateProbing     State = "Probing"
	StateEvaluating  State = "Evaluating"
	StateRemediating State = "Remediating"
	StateVerifying   State = "Verifying"
	StateConverged   State = "Converged"
	StateDegraded    State = "Degraded"
	StateFatal       State = "Fatal"
)

// Result is everything a run produced. Report is the last evaluation and is nil when the
// run never got past probing.
type Result struct {
	Outcome     State             `json:"outcome"`
	Report      *health.Report    `json:"report,omitempty"`
	Actions     []actionlog.Entry `json:"actions,omitempty"`
	Diagnostics []NodeDiagnostics `json:"diagnostics,omitempty"`
	Passes      int               `json:"passes"`
	Transitions []State           `json:"transitions"`
	Started     time.Time         `json:"started"`
	Finished    time.Time         `json:"finished"`
	Err         error             `json:"-"`
	Error       string            `json:"error,omitempty"`
}

// ExitCode is 0 for a converged cluster and 1 otherwise.
func (r *Result) ExitCode() int {
	if r.Outcome == StateConverged {
		return 0
	}
	return 1
}

// NodeDiagnostics is collected for every node that stayed NotReady.
type NodeDiagnostics struct {
	Node       string                  `json:"node"`
	Address    string                  `json:"address"`
	Conditions []corev1.NodeCondition  `json:"conditions,omitempty"`
	DiskUsage  []nodecontrol.DiskUsage `json:"diskUsage,omitempty"`
	// KubeletService names the service KubeletLogs were read from.
	KubeletService string   `json:"kubeletService,omitempty"`
	KubeletLogs    []string `json:"kubeletLogs,omitempty"`
	KernelLog      []string `json:"kernelLog,omitempty"`
	// Errors lists the diagnostics that could not be collected.
	Errors []string `json:"errors,omitempty"`
}
