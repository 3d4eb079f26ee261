package health

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	ControlPlaneTierLabel = "tier"
	ControlPlaneTierValue = "control-plane"
	ComponentLabel        = "component"

	// podPhaseError is not a real phase, but some runtimes report it.
	podPhaseError corev1.PodPhase = "Error"
)

// lostStatusReasons are container state reasons meaning the control plane lost track of
// the container.
var lostStatusReasons = sets.New("ContainerStatusUnknown", "Unknown", "NodeLost")

func IsTerminating(pod *corev1.Pod) bool {
	return pod.DeletionTimestamp != nil
}

func IsErrored(pod *corev1.Pod) bool {
	return pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == podPhaseError
}

func IsControlPlaneTier(pod *corev1.Pod) bool {
	return pod.Namespace == metav1.NamespaceSystem && pod.Labels[ControlPlaneTierLabel] == ControlPlaneTierValue
}

// HasLostContainerStatus is the container status based stuck detection.
func HasLostContainerStatus(pod *corev1.Pod) bool {
	if pod.Status.Phase == corev1.PodUnknown || lostStatusReasons.Has(pod.Status.Reason) {
		return true
	}
	for _, reason := range ContainerReasons(pod) {
		if lostStatusReasons.Has(reason) {
			return true
		}
	}
	return false
}

// IsNotReady is the readiness based stuck detection.
func IsNotReady(pod *corev1.Pod) bool {
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status != corev1.ConditionTrue
		}
	}
	return true
}

// Classify puts a pod into exactly one category. Stuck only applies to the control-plane tier.
func Classify(pod *corev1.Pod) PodCategory {
	switch {
	case IsTerminating(pod):
		return PodTerminating
	case IsErrored(pod):
		return PodError
	case IsControlPlaneTier(pod) && (HasLostContainerStatus(pod) || IsNotReady(pod)):
		return PodStuck
	default:
		return PodHealthy
	}
}

// ContainerReasons returns the waiting and terminated reasons of all containers.
func ContainerReasons(pod *corev1.Pod) []string {
	var reasons []string
	statuses := append(append([]corev1.ContainerStatus{}, pod.Status.InitContainerStatuses...), pod.Status.ContainerStatuses...)
	for _, s := range statuses {
		switch {
		case s.State.Waiting != nil && s.State.Waiting.Reason != "":
			reasons = append(reasons, s.State.Waiting.Reason)
		case s.State.Terminated != nil && s.State.Terminated.Reason != "":
			reasons = append(reasons, s.State.Terminated.Reason)
		}
	}
	return reasons
}

func newPodRecord(pod *corev1.Pod, category PodCategory) PodRecord {
	return PodRecord{
		Namespace:   pod.Namespace,
		Name:        pod.Name,
		Node:        pod.Spec.NodeName,
		Phase:       pod.Status.Phase,
		Terminating: IsTerminating(pod),
		Reasons:     ContainerReasons(pod),
		Category:    category,
	}
}

// podSets partitions pods into the disjoint terminating, error and stuck sets. Stuck is
// the union of both stuck heuristics over the control-plane tier.
func podSets(pods []corev1.Pod) (terminating, errored, stuck []PodRecord) {
	lost := sets.New[string]()
	notReady := sets.New[string]()
	for i := range pods {
		pod := &pods[i]
		if !IsControlPlaneTier(pod) || IsTerminating(pod) || IsErrored(pod) {
			continue
		}
		if HasLostContainerStatus(pod) {
			lost.Insert(pod.Namespace + "/" + pod.Name)
		}
		if IsNotReady(pod) {
			notReady.Insert(pod.Namespace + "/" + pod.Name)
		}
	}
	stuckKeys := lost.Union(notReady)

	for i := range pods {
		pod := &pods[i]
		switch {
		case IsTerminating(pod):
			terminating = append(terminating, newPodRecord(pod, PodTerminating))
		case IsErrored(pod):
			errored = append(errored, newPodRecord(pod, PodError))
		case stuckKeys.Has(pod.Namespace + "/" + pod.Name):
			stuck = append(stuck, newPodRecord(pod, PodStuck))
		}
	}
	return terminating, errored, stuck
}
