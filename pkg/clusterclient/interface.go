package clusterclient

import (
	"context"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
)

const (
	// RestartedAtAnnotation is the pod template annotation a rollout restart bumps.
	RestartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"
	// MirrorPodAnnotation marks static pods mirrored into the API.
	MirrorPodAnnotation = "kubernetes.io/config.mirror"

	fieldManager = "cluster-doctor"
)

// Interface is the subset of the Kubernetes API the doctor reads and mutates.
type Interface interface {
	// Ping fails when the API server does not answer at all.
	Ping(ctx context.Context) error
	ListNodes(ctx context.Context) ([]corev1.Node, error)
	GetNode(ctx context.Context, name string) (*corev1.Node, error)
	ListPods(ctx context.Context, filter PodFilter) ([]corev1.Pod, error)
	// DeletePod treats a pod that is already gone as deleted.
	DeletePod(ctx context.Context, namespace, name string, force bool) error
	Cordon(ctx context.Context, node string) error
	Uncordon(ctx context.Context, node string) error
	ListDaemonSets(ctx context.Context, namespace string) ([]appsv1.DaemonSet, error)
	GetDaemonSet(ctx context.Context, namespace, name string) (*appsv1.DaemonSet, error)
	RolloutRestartDaemonSet(ctx context.Context, namespace, name string) error
	// GetLeaseHolder returns the holder identity of a lease, empty when nobody holds it.
	GetLeaseHolder(ctx context.Context, namespace, name string) (string, error)
	Drain(ctx context.Context, node string, opts DrainOptions) error
	ApplyManifest(ctx context.Context, manifest []byte) error
}

// PodFilter narrows ListPods. Empty fields match everything.
type PodFilter struct {
	Namespace     string
	LabelSelector string
	FieldSelector string
	NodeName      string
}

// DrainOptions bounds an eviction based drain.
type DrainOptions struct {
	// GracePeriod is handed to every eviction. Zero keeps the pod's own grace period.
	GracePeriod time.Duration
	// Timeout bounds the wait for evicted pods to go away. Zero waits forever, callers
	// always set it.
	Timeout time.Duration
	// DeleteEmptyDirData allows evicting pods that use emptyDir volumes.
	DeleteEmptyDirData bool
}
