package clusterclient

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/record"
)

// NewEventRecorder returns a recorder that writes Events through kube, and the function
// that flushes and stops it.
func NewEventRecorder(kube kubernetes.Interface, component string) (record.EventRecorder, func()) {
	broadcaster := record.NewBroadcaster()
	broadcaster.StartStructuredLogging(4)
	broadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{Interface: kube.CoreV1().Events("")})
	recorder := broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{Component: component})
	return recorder, broadcaster.Shutdown
}

// NodeReference is the object an Event about a node is attached to.
func NodeReference(name string) *corev1.ObjectReference {
	return &corev1.ObjectReference{
		Kind:       "Node",
		APIVersion: "v1",
		Name:       name,
		UID:        types.UID(name),
	}
}
