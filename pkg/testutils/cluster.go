package testutils

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	coordinationv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/utils/ptr"
)

const (
	ControlPlaneNode    = "cp-1"
	ControlPlaneAddress = "10.0.0.2"
)

// Workers of the cluster returned by HealthyCluster, with their addresses.
var Workers = map[string]string{
	"worker-1": "10.0.0.3",
	"worker-2": "10.0.0.4",
}

// HealthyCluster returns the objects of a healthy three node cluster: one control-plane
// node with its static pods and leases, two workers, flannel and kube-proxy on every node.
func HealthyCluster() []runtime.Object {
	objects := []runtime.Object{
		FakeNode(ControlPlaneNode, WithControlPlaneLabel(), WithNodeInternalIP(ControlPlaneAddress)),
	}
	for _, name := range []string{"worker-1", "worker-2"} {
		objects = append(objects, FakeNode(name, WithNodeInternalIP(Workers[name])))
	}

	for _, component := range []string{"kube-apiserver", "kube-controller-manager", "kube-scheduler"} {
		objects = append(objects, ControlPlanePod(component))
	}
	for _, component := range []string{"kube-controller-manager", "kube-scheduler"} {
		objects = append(objects, Lease(component, ControlPlaneNode+"_"+component))
	}

	nodes := []string{ControlPlaneNode, "worker-1", "worker-2"}
	for i, node := range nodes {
		objects = append(objects,
			FakePod(fmt.Sprintf("kube-flannel-ds-%d", i), WithNamespace("kube-flannel"), WithScheduledNodeName(node),
				WithOwner("DaemonSet", "kube-flannel-ds")),
			FakePod(fmt.Sprintf("kube-proxy-%d", i), WithScheduledNodeName(node),
				WithPodLabels(map[string]string{"k8s-app": "kube-proxy"}), WithOwner("DaemonSet", "kube-proxy")),
		)
	}
	objects = append(objects,
		DaemonSet("kube-flannel", "kube-flannel-ds", int32(len(nodes))),
		DaemonSet("kube-system", "kube-proxy", int32(len(nodes))),
	)
	return objects
}

// ControlPlanePod returns the mirror pod of a static control-plane component.
func ControlPlanePod(component string, configs ...func(*corev1.Pod)) *corev1.Pod {
	opts := append([]func(*corev1.Pod){
		WithControlPlaneComponent(component),
		WithScheduledNodeName(ControlPlaneNode),
		WithPodAnnotation("kubernetes.io/config.mirror", component),
	}, configs...)
	return FakePod(component+"-"+ControlPlaneNode, opts...)
}

func Lease(name, holder string) *coordinationv1.Lease {
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: metav1.NamespaceSystem},
	}
	if holder != "" {
		lease.Spec.HolderIdentity = ptr.To(holder)
	}
	return lease
}

func DaemonSet(namespace, name string, desired int32) *appsv1.DaemonSet {
	return &appsv1.DaemonSet{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Status: appsv1.DaemonSetStatus{
			DesiredNumberScheduled: desired,
			NumberReady:            desired,
		},
	}
}

// Replace swaps objects of the same kind and name in a fixture.
func Replace(objects []runtime.Object, replacements ...runtime.Object) []runtime.Object {
	out := make([]runtime.Object, 0, len(objects))
	for _, obj := range objects {
		if !replaced(obj, replacements) {
			out = append(out, obj)
		}
	}
	return append(out, replacements...)
}

// Without drops objects with the given names from a fixture.
func Without(objects []runtime.Object, names ...string) []runtime.Object {
	var out []runtime.Object
	for _, obj := range objects {
		drop := false
		for _, name := range names {
			if obj.(metav1.Object).GetName() == name {
				drop = true
			}
		}
		if !drop {
			out = append(out, obj)
		}
	}
	return out
}

func replaced(obj runtime.Object, replacements []runtime.Object) bool {
	meta := obj.(metav1.Object)
	for _, r := range replacements {
		rMeta := r.(metav1.Object)
		if fmt.Sprintf("%T", obj) == fmt.Sprintf("%T", r) && meta.GetName() == rMeta.GetName() && meta.GetNamespace() == rMeta.GetNamespace() {
			return true
		}
	}
	return false
}
