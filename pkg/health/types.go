package health

import (
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/openshift/cluster-doctor/pkg/nodecontrol"
)

// Status is the state of a component that is more than up or down.
type Status string

const (
	StatusHealthy  Status = "Healthy"
	StatusDegraded Status = "Degraded"
	StatusFailed   Status = "Failed"
	StatusAbsent   Status = "Absent"
	StatusUnknown  Status = "Unknown"
)

type PodCategory string

const (
	PodTerminating PodCategory = "Terminating"
	PodError       PodCategory = "Error"
	PodStuck       PodCategory = "Stuck"
	PodHealthy     PodCategory = "Healthy"
)

const (
	ComponentAPIServer         = "kube-apiserver"
	ComponentControllerManager = "kube-controller-manager"
	ComponentScheduler         = "kube-scheduler"
)

// ControlPlaneComponents are the containers whose liveness is checked on the control plane.
var ControlPlaneComponents = []string{ComponentAPIServer, ComponentControllerManager, ComponentScheduler}

// NodeRecord is the state of one node as seen by both APIs.
type NodeRecord struct {
	Name          string                 `json:"name"`
	Address       string                 `json:"address"`
	ControlPlane  bool                   `json:"controlPlane"`
	Reachable     metav1.ConditionStatus `json:"reachable"`
	Ready         corev1.ConditionStatus `json:"ready"`
	ReadyReason   string                 `json:"readyReason,omitempty"`
	ReadyMessage  string                 `json:"readyMessage,omitempty"`
	Unschedulable bool                   `json:"unschedulable"`
	// CordonExempt is set for cordoned nodes an operator wants to stay cordoned.
	CordonExempt bool `json:"cordonExempt,omitempty"`
}

func (n NodeRecord) IsReady() bool {
	return n.Ready == corev1.ConditionTrue
}

// PodRecord is the classified state of one pod.
type PodRecord struct {
	Namespace   string          `json:"namespace"`
	Name        string          `json:"name"`
	Node        string          `json:"node,omitempty"`
	Phase       corev1.PodPhase `json:"phase"`
	Terminating bool            `json:"terminating"`
	Reasons     []string        `json:"reasons,omitempty"`
	Category    PodCategory     `json:"category"`
}

func (p PodRecord) Key() string {
	return p.Namespace + "/" + p.Name
}

// ServiceProblem is a monitored service that is missing, stopped or failing its health check.
type ServiceProblem struct {
	Node    string                 `json:"node"`
	Address string                 `json:"address"`
	Service string                 `json:"service"`
	State   string                 `json:"state"`
	Health  nodecontrol.HealthFlag `json:"health"`
	Missing bool                   `json:"missing,omitempty"`
}

type CNIStatus struct {
	State      Status   `json:"state"`
	Plugin     string   `json:"plugin,omitempty"`
	Pods       int      `json:"pods"`
	NotRunning []string `json:"notRunning,omitempty"`
}

type KubeProxyStatus struct {
	Known    bool `json:"known"`
	Running  int  `json:"running"`
	Expected int  `json:"expected"`
}

// UnderReplicated is false when the counts are unknown.
func (k KubeProxyStatus) UnderReplicated() bool {
	return k.Known && k.Running < k.Expected
}

// LeaderStatus combines lease ownership with the readiness of the component pod.
type LeaderStatus struct {
	Component string `json:"component"`
	State     Status `json:"state"`
	Holder    string `json:"holder,omitempty"`
	PodReady  bool   `json:"podReady"`
}

func (l LeaderStatus) Unhealthy() bool {
	return l.State == StatusDegraded || l.State == StatusFailed
}

type EtcdStatus struct {
	Checked bool                   `json:"checked"`
	Healthy metav1.ConditionStatus `json:"healthy,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

type ProbeFailure struct {
	Check string `json:"check"`
	Error string `json:"error"`
}

// Report is the result of one evaluation. It is not modified after Evaluate returns.
type Report struct {
	GeneratedAt      time.Time    `json:"generatedAt"`
	ControlPlaneNode string       `json:"controlPlaneNode,omitempty"`
	Nodes            []NodeRecord `json:"nodes"`

	NotReadyNodes     []string         `json:"notReadyNodes,omitempty"`
	CordonedNodes     []string         `json:"cordonedNodes,omitempty"`
	UnreachableNodes  []string         `json:"unreachableNodes,omitempty"`
	UnhealthyServices []ServiceProblem `json:"unhealthyServices,omitempty"`

	CNI       CNIStatus       `json:"cni"`
	KubeProxy KubeProxyStatus `json:"kubeProxy"`

	PodsKnown       bool        `json:"podsKnown"`
	TerminatingPods []PodRecord `json:"terminatingPods,omitempty"`
	ErrorPods       []PodRecord `json:"errorPods,omitempty"`
	StuckPods       []PodRecord `json:"stuckPods,omitempty"`

	Scheduler         LeaderStatus `json:"scheduler"`
	ControllerManager LeaderStatus `json:"controllerManager"`

	ControlPlaneContainers map[string]metav1.ConditionStatus `json:"controlPlaneContainers"`
	Etcd                   EtcdStatus                        `json:"etcd"`

	ProbeErrors []ProbeFailure `json:"probeErrors,omitempty"`
}

// Node returns the record of the named node.
func (r *Report) Node(name string) (NodeRecord, bool) {
	for _, n := range r.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeRecord{}, false
}

// MissingControlPlaneContainers lists the components known not to run.
func (r *Report) MissingControlPlaneContainers() []string {
	var missing []string
	for _, component := range ControlPlaneComponents {
		if r.ControlPlaneContainers[component] == metav1.ConditionFalse {
			missing = append(missing, component)
		}
	}
	return missing
}

// UnhealthyLeaders returns the components whose leader election needs fixing.
func (r *Report) UnhealthyLeaders() []LeaderStatus {
	var unhealthy []LeaderStatus
	for _, l := range []LeaderStatus{r.Scheduler, r.ControllerManager} {
		if l.Unhealthy() {
			unhealthy = append(unhealthy, l)
		}
	}
	return unhealthy
}

// Findings counts the problems of the report per category. Probe errors count too: a
// report that could not look everywhere does not prove health.
func (r *Report) Findings() map[string]int {
	findings := map[string]int{
		"not_ready_nodes":          len(r.NotReadyNodes),
		"cordoned_nodes":           len(r.CordonedNodes),
		"unreachable_nodes":        len(r.UnreachableNodes),
		"unhealthy_services":       len(r.UnhealthyServices),
		"terminating_pods":         len(r.TerminatingPods),
		"error_pods":               len(r.ErrorPods),
		"stuck_pods":               len(r.StuckPods),
		"control_plane_containers": len(r.MissingControlPlaneContainers()),
		"leader_election":          len(r.UnhealthyLeaders()),
		"probe_errors":             len(r.ProbeErrors),
		"cni":                      0,
		"kube_proxy":               0,
		"etcd":                     0,
	}
	if r.CNI.State == StatusAbsent || r.CNI.State == StatusDegraded {
		findings["cni"] = 1
	}
	if r.KubeProxy.UnderReplicated() {
		findings["kube_proxy"] = r.KubeProxy.Expected - r.KubeProxy.Running
	}
	if r.Etcd.Checked && r.Etcd.Healthy == metav1.ConditionFalse {
		findings["etcd"] = 1
	}
	return findings
}

// Healthy is true when the report has no finding at all.
func (r *Report) Healthy() bool {
	for _, n := range r.Findings() {
		if n > 0 {
			return false
		}
	}
	return true
}

// Problems lists the categories with findings in a stable order.
func (r *Report) Problems() []string {
	var problems []string
	for category, n := range r.Findings() {
		if n > 0 {
			problems = append(problems, category)
		}
	}
	sort.Strings(problems)
	return problems
}
