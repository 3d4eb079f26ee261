package testutils

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/uuid"
)

const ControlPlaneRoleLabel = "node-role.kubernetes.io/control-plane"

// FakeNode returns a Ready node configured by the given options.
func FakeNode(name string, configs ...func(node *corev1.Node)) *corev1.Node {
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			UID:  uuid.NewUUID(),
		},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{
				Type:   corev1.NodeReady,
				Status: corev1.ConditionTrue,
				Reason: "KubeletReady",
			}},
		},
	}
	for _, config := range configs {
		config(node)
	}
	return node
}

func WithControlPlaneLabel() func(*corev1.Node) {
	return func(node *corev1.Node) {
		if node.Labels == nil {
			node.Labels = map[string]string{}
		}
		node.Labels[ControlPlaneRoleLabel] = ""
	}
}

func WithNodeInternalIP(ip string) func(*corev1.Node) {
	return func(node *corev1.Node) {
		node.Status.Addresses = append(node.Status.Addresses, corev1.NodeAddress{
			Type:    corev1.NodeInternalIP,
			Address: ip,
		})
	}
}

// WithReadyCondition replaces the node's Ready condition.
func WithReadyCondition(status corev1.ConditionStatus, reason string) func(*corev1.Node) {
	return func(node *corev1.Node) {
		SetNodeReady(node, status, reason)
	}
}

func WithUnschedulable() func(*corev1.Node) {
	return func(node *corev1.Node) {
		node.Spec.Unschedulable = true
	}
}

func WithNodeAnnotation(key, value string) func(*corev1.Node) {
	return func(node *corev1.Node) {
		if node.Annotations == nil {
			node.Annotations = map[string]string{}
		}
		node.Annotations[key] = value
	}
}

// SetNodeReady sets the Ready condition in place. Hooks of fake clients use it to let a
// node recover.
func SetNodeReady(node *corev1.Node, status corev1.ConditionStatus, reason string) {
	for i := range node.Status.Conditions {
		if node.Status.Conditions[i].Type == corev1.NodeReady {
			node.Status.Conditions[i].Status = status
			node.Status.Conditions[i].Reason = reason
			return
		}
	}
	node.Status.Conditions = append(node.Status.Conditions, corev1.NodeCondition{
		Type:   corev1.NodeReady,
		Status: status,
		Reason: reason,
	})
}
