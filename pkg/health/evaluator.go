package health

import (
	"context"
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/openshift/cluster-doctor/pkg/clusterclient"
	"github.com/openshift/cluster-doctor/pkg/config"
	"github.com/openshift/cluster-doctor/pkg/faults"
	"github.com/openshift/cluster-doctor/pkg/nodecontrol"
)

const (
	KubeProxyName     = "kube-proxy"
	KubeProxySelector = "k8s-app=kube-proxy"
)

// Evaluator builds health reports. It never changes the cluster.
type Evaluator struct {
	cluster clusterclient.Interface
	nodes   nodecontrol.Interface
	rc      *config.RunContext
	etcd    EtcdProber
	clock   clock.PassiveClock
}

// NewEvaluator creates an evaluator. etcd may be nil to skip the quorum probe.
func NewEvaluator(cluster clusterclient.Interface, nodes nodecontrol.Interface, rc *config.RunContext, etcd EtcdProber) *Evaluator {
	return &Evaluator{
		cluster: cluster,
		nodes:   nodes,
		rc:      rc,
		etcd:    etcd,
		clock:   clock.RealClock{},
	}
}

// Evaluate runs every check once. Only an unreachable Kubernetes API or an unreachable
// control-plane node control API is returned as an error; everything else ends up in the
// report.
func (e *Evaluator) Evaluate(ctx context.Context) (*Report, error) {
	cfg := e.rc.Config
	r := &Report{
		GeneratedAt:            e.clock.Now(),
		ControlPlaneContainers: map[string]metav1.ConditionStatus{},
		CNI:                    CNIStatus{State: StatusUnknown},
		Scheduler:              LeaderStatus{Component: ComponentScheduler, State: StatusUnknown},
		ControllerManager:      LeaderStatus{Component: ComponentControllerManager, State: StatusUnknown},
	}

	nodeList, err := e.cluster.ListNodes(ctx)
	if err != nil {
		return nil, &faults.ConnectivityError{Endpoint: "Kubernetes API", Err: err}
	}
	if _, err := e.nodes.Version(ctx, cfg.ControlPlaneAddress); err != nil {
		return nil, &faults.ConnectivityError{Endpoint: "node control API on " + cfg.ControlPlaneAddress, Err: err}
	}

	e.checkNodes(ctx, r, nodeList)
	e.checkServices(ctx, r)

	pods, err := e.cluster.ListPods(ctx, clusterclient.PodFilter{})
	if err != nil {
		e.probeFailed(r, "pods", err)
	} else {
		r.PodsKnown = true
		r.TerminatingPods, r.ErrorPods, r.StuckPods = podSets(pods)
	}

	e.checkCNI(r, pods, err == nil)
	e.checkKubeProxy(ctx, r, pods, err == nil)
	e.checkControlPlaneContainers(ctx, r)
	r.Scheduler = e.checkLeader(ctx, r, ComponentScheduler, pods, err == nil)
	r.ControllerManager = e.checkLeader(ctx, r, ComponentControllerManager, pods, err == nil)
	e.checkEtcd(ctx, r)

	e.rc.Metrics.SetFindings(r.Findings())
	klog.V(2).Infof("evaluation finished: problems=%v", r.Problems())
	return r, nil
}

// checkNodes fills node records: readiness, scheduling and node control reachability.
func (e *Evaluator) checkNodes(ctx context.Context, r *Report, nodeList []corev1.Node) {
	cfg := e.rc.Config
	sort.Slice(nodeList, func(i, j int) bool { return nodeList[i].Name < nodeList[j].Name })

	for i := range nodeList {
		node := &nodeList[i]
		record := NodeRecord{
			Name:          node.Name,
			Address:       NodeAddress(node),
			ControlPlane:  hasControlPlaneRole(node),
			Ready:         corev1.ConditionUnknown,
			Unschedulable: node.Spec.Unschedulable,
		}
		if cond := ReadyCondition(node); cond != nil {
			record.Ready, record.ReadyReason, record.ReadyMessage = cond.Status, cond.Reason, cond.Message
		}
		if record.Address == cfg.ControlPlaneAddress || node.Name == cfg.ControlPlaneAddress {
			record.ControlPlane = true
			r.ControlPlaneNode = node.Name
		}

		if record.Address == cfg.ControlPlaneAddress {
			record.Reachable = metav1.ConditionTrue
		} else if _, err := e.nodes.Version(ctx, record.Address); err != nil {
			klog.V(2).Infof("node %s (%s) does not answer on the node control API: %v", node.Name, record.Address, err)
			record.Reachable = metav1.ConditionFalse
			r.UnreachableNodes = append(r.UnreachableNodes, node.Name)
		} else {
			record.Reachable = metav1.ConditionTrue
		}

		if !record.IsReady() {
			r.NotReadyNodes = append(r.NotReadyNodes, node.Name)
		}
		if record.Unschedulable {
			if cfg.IsCordonExempt(node.Name, node.Annotations) {
				record.CordonExempt = true
			} else {
				r.CordonedNodes = append(r.CordonedNodes, node.Name)
			}
		}
		r.Nodes = append(r.Nodes, record)
	}

	if r.ControlPlaneNode == "" {
		for _, n := range r.Nodes {
			if n.ControlPlane {
				r.ControlPlaneNode = n.Name
				break
			}
		}
	}
}

func (e *Evaluator) checkServices(ctx context.Context, r *Report) {
	cfg := e.rc.Config
	for _, node := range r.Nodes {
		if node.Reachable != metav1.ConditionTrue {
			continue
		}
		monitored := append([]string{}, cfg.MonitoredServices...)
		if node.Name == r.ControlPlaneNode {
			monitored = append(monitored, cfg.ControlPlaneServices...)
		}
		if len(monitored) == 0 {
			continue
		}

		services, err := e.nodes.Services(ctx, node.Address)
		if err != nil {
			e.probeFailed(r, "services/"+node.Name, err)
			continue
		}
		byName := map[string]nodecontrol.ServiceStatus{}
		for _, s := range services {
			byName[s.Service] = s
		}
		for _, name := range monitored {
			s, ok := byName[name]
			switch {
			case !ok:
				r.UnhealthyServices = append(r.UnhealthyServices, ServiceProblem{
					Node: node.Name, Address: node.Address, Service: name, Missing: true, Health: nodecontrol.HealthUnknown,
				})
			case !s.Healthy():
				r.UnhealthyServices = append(r.UnhealthyServices, ServiceProblem{
					Node: node.Name, Address: node.Address, Service: name, State: s.State, Health: s.Health,
				})
			}
		}
	}
}

func (e *Evaluator) checkCNI(r *Report, pods []corev1.Pod, known bool) {
	if !known {
		return
	}
	r.CNI = CNIFromPods(pods, e.rc.Config.CNIPatterns)
	if r.CNI.State == StatusAbsent {
		klog.Warningf("no CNI pods found matching %v", e.rc.Config.CNIPatterns)
	}
}

// CNIFromPods derives the CNI state from the pods whose names match one of patterns.
func CNIFromPods(pods []corev1.Pod, patterns []string) CNIStatus {
	cni := CNIStatus{State: StatusAbsent}
	for i := range pods {
		pod := &pods[i]
		plugin := MatchCNIPattern(pod.Name, patterns)
		if plugin == "" {
			continue
		}
		if cni.Plugin == "" {
			cni.Plugin = plugin
		}
		cni.Pods++
		if pod.Status.Phase != corev1.PodRunning || IsTerminating(pod) {
			cni.NotRunning = append(cni.NotRunning, pod.Namespace+"/"+pod.Name)
		}
	}
	switch {
	case cni.Pods == 0:
	case len(cni.NotRunning) > 0:
		cni.State = StatusDegraded
	default:
		cni.State = StatusHealthy
	}
	return cni
}

// MatchCNIPattern returns the first pattern contained in name, or an empty string.
func MatchCNIPattern(name string, patterns []string) string {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return p
		}
	}
	return ""
}

func (e *Evaluator) checkKubeProxy(ctx context.Context, r *Report, pods []corev1.Pod, podsKnown bool) {
	ds, err := e.cluster.GetDaemonSet(ctx, metav1.NamespaceSystem, KubeProxyName)
	expected := 0
	switch {
	case apierrors.IsNotFound(err):
		klog.V(2).Infof("%s daemonset not deployed", KubeProxyName)
	case err != nil:
		e.probeFailed(r, KubeProxyName, err)
		return
	default:
		expected = int(ds.Status.DesiredNumberScheduled)
	}
	if !podsKnown {
		return
	}

	running := RunningKubeProxyPods(pods)
	r.KubeProxy = KubeProxyStatus{Known: true, Running: running, Expected: expected}
}

// RunningKubeProxyPods counts the kube-proxy pods that run and are not being deleted.
func RunningKubeProxyPods(pods []corev1.Pod) int {
	selector, _ := labels.Parse(KubeProxySelector)
	running := 0
	for i := range pods {
		pod := &pods[i]
		if pod.Namespace != metav1.NamespaceSystem || !selector.Matches(labels.Set(pod.Labels)) {
			continue
		}
		if pod.Status.Phase == corev1.PodRunning && !IsTerminating(pod) {
			running++
		}
	}
	return running
}

func (e *Evaluator) checkControlPlaneContainers(ctx context.Context, r *Report) {
	for _, component := range ControlPlaneComponents {
		r.ControlPlaneContainers[component] = metav1.ConditionUnknown
	}
	containers, err := e.nodes.Containers(ctx, e.rc.Config.ControlPlaneAddress, true)
	if err != nil {
		e.probeFailed(r, "control-plane-containers", err)
		return
	}
	for _, component := range ControlPlaneComponents {
		r.ControlPlaneContainers[component] = metav1.ConditionFalse
		if ComponentRunning(containers, component) {
			r.ControlPlaneContainers[component] = metav1.ConditionTrue
		}
	}
}

// ComponentRunning reports whether a running container of component is listed.
func ComponentRunning(containers []nodecontrol.Container, component string) bool {
	for _, c := range containers {
		if strings.Contains(c.ID, component) && c.Running() {
			return true
		}
	}
	return false
}

func (e *Evaluator) checkLeader(ctx context.Context, r *Report, component string, pods []corev1.Pod, podsKnown bool) LeaderStatus {
	status := LeaderStatus{Component: component, State: StatusUnknown}
	holder, err := e.cluster.GetLeaseHolder(ctx, metav1.NamespaceSystem, component)
	if err != nil {
		e.probeFailed(r, "lease/"+component, err)
		return status
	}
	if !podsKnown {
		status.Holder = holder
		if holder == "" {
			status.State = StatusFailed
		}
		return status
	}
	return Leader(component, holder, pods)
}

// Leader combines the lease holder of component with the readiness of its pod. An
// empty holder means nobody holds the lease.
func Leader(component, holder string, pods []corev1.Pod) LeaderStatus {
	status := LeaderStatus{Component: component, Holder: holder, State: StatusFailed}
	if holder == "" {
		return status
	}
	status.PodReady = componentPodReady(pods, component)
	if status.PodReady {
		status.State = StatusHealthy
	} else {
		status.State = StatusDegraded
	}
	return status
}

func componentPodReady(pods []corev1.Pod, component string) bool {
	for i := range pods {
		pod := &pods[i]
		if pod.Namespace == metav1.NamespaceSystem && pod.Labels[ComponentLabel] == component &&
			!IsTerminating(pod) && !IsNotReady(pod) {
			return true
		}
	}
	return false
}

// ComponentPods returns the pods of a control-plane component.
func ComponentPods(pods []corev1.Pod, component string) []corev1.Pod {
	var matching []corev1.Pod
	for _, pod := range pods {
		if pod.Namespace == metav1.NamespaceSystem && pod.Labels[ComponentLabel] == component {
			matching = append(matching, pod)
		}
	}
	return matching
}

func (e *Evaluator) checkEtcd(ctx context.Context, r *Report) {
	if e.etcd == nil {
		return
	}
	r.Etcd.Checked = true
	if err := e.etcd.Probe(ctx); err != nil {
		r.Etcd.Healthy = metav1.ConditionFalse
		r.Etcd.Error = err.Error()
		klog.Warningf("etcd quorum read failed: %v", err)
		return
	}
	r.Etcd.Healthy = metav1.ConditionTrue
}

func (e *Evaluator) probeFailed(r *Report, check string, err error) {
	probeErr := &faults.ProbeError{Check: check, Err: err}
	klog.Warning(probeErr.Error())
	r.ProbeErrors = append(r.ProbeErrors, ProbeFailure{Check: check, Error: err.Error()})
	e.rc.Metrics.ObserveProbeError(check)
}

// String is a one-line summary used in logs.
func (r *Report) String() string {
	return fmt.Sprintf("nodes=%d notReady=%v cordoned=%v unreachable=%v stuck=%d error=%d terminating=%d cni=%s kubeProxy=%d/%d",
		len(r.Nodes), r.NotReadyNodes, r.CordonedNodes, r.UnreachableNodes, len(r.StuckPods), len(r.ErrorPods),
		len(r.TerminatingPods), r.CNI.State, r.KubeProxy.Running, r.KubeProxy.Expected)
}
