package health

import (
	"net"

	corev1 "k8s.io/api/core/v1"
)

var controlPlaneRoleLabels = []string{
	"node-role.kubernetes.io/control-plane",
	"node-role.kubernetes.io/master",
}

// ReadyCondition returns the node's Ready condition, nil if it has none.
func ReadyCondition(node *corev1.Node) *corev1.NodeCondition {
	for i := range node.Status.Conditions {
		if node.Status.Conditions[i].Type == corev1.NodeReady {
			return &node.Status.Conditions[i]
		}
	}
	return nil
}

// IsNodeReady checks if a node is in Ready state.
// Returns true only if the node has a Ready condition with status True.
func IsNodeReady(node *corev1.Node) bool {
	cond := ReadyCondition(node)
	return cond != nil && cond.Status == corev1.ConditionTrue
}

// NodeAddress returns the internal ip address of the node, which is where its node
// control API listens. If no internal ip is found the first address is used, and the
// node name when the node has no address at all.
func NodeAddress(node *corev1.Node) string {
	addresses := node.Status.Addresses
	for _, addr := range addresses {
		if addr.Type == corev1.NodeInternalIP {
			if ip := net.ParseIP(addr.Address); ip != nil {
				return ip.String()
			}
		}
	}
	if len(addresses) > 0 {
		return addresses[0].Address
	}
	return node.Name
}

func hasControlPlaneRole(node *corev1.Node) bool {
	for _, label := range controlPlaneRoleLabels {
		if _, ok := node.Labels[label]; ok {
			return true
		}
	}
	return false
}
