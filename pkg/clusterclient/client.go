package clusterclient

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
)

// Client implements Interface with client-go.
type Client struct {
	kube    kubernetes.Interface
	dynamic dynamic.Interface
	mapper  func() (meta.RESTMapper, error)
	clock   clock.PassiveClock
}

var _ Interface = &Client{}

// New wraps existing clients. mapper resolves manifest kinds for ApplyManifest; when nil
// it is built from the discovery information of kube on first use.
func New(kube kubernetes.Interface, dyn dynamic.Interface, mapper meta.RESTMapper) *Client {
	c := &Client{
		kube:    kube,
		dynamic: dyn,
		clock:   clock.RealClock{},
	}
	if mapper != nil {
		c.mapper = func() (meta.RESTMapper, error) { return mapper, nil }
	} else {
		c.mapper = func() (meta.RESTMapper, error) {
			groupResources, err := restmapper.GetAPIGroupResources(kube.Discovery())
			if err != nil {
				return nil, fmt.Errorf("discover API resources: %w", err)
			}
			return restmapper.NewDiscoveryRESTMapper(groupResources), nil
		}
	}
	return c
}

// BuildConfig loads a kubeconfig, falling back to the in-cluster config when path is
// empty, and bounds every request by timeout.
func BuildConfig(path string, timeout time.Duration) (*rest.Config, error) {
	cfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig %q: %w", path, err)
	}
	cfg.Timeout = timeout
	cfg.UserAgent = rest.DefaultKubernetesUserAgent() + "/" + fieldManager
	return cfg, nil
}

// NewForConfig creates the typed and dynamic clients for cfg.
func NewForConfig(cfg *rest.Config) (*Client, kubernetes.Interface, error) {
	kube, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	return New(kube, dyn, nil), kube, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	version, err := c.kube.Discovery().ServerVersion()
	if err != nil {
		return err
	}
	klog.V(4).Infof("API server answered with version %s", version.GitVersion)
	return nil
}

func (c *Client) ListNodes(ctx context.Context) ([]corev1.Node, error) {
	nodes, err := c.kube.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	return nodes.Items, nil
}

func (c *Client) GetNode(ctx context.Context, name string) (*corev1.Node, error) {
	return c.kube.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
}

func (c *Client) ListPods(ctx context.Context, filter PodFilter) ([]corev1.Pod, error) {
	opts := metav1.ListOptions{
		LabelSelector: filter.LabelSelector,
		FieldSelector: filter.FieldSelector,
	}
	if filter.NodeName != "" && filter.FieldSelector == "" {
		opts.FieldSelector = "spec.nodeName=" + filter.NodeName
	}
	pods, err := c.kube.CoreV1().Pods(filter.Namespace).List(ctx, opts)
	if err != nil {
		return nil, err
	}
	if filter.NodeName == "" {
		return pods.Items, nil
	}
	// not every server (or fake) honours field selectors
	var onNode []corev1.Pod
	for _, pod := range pods.Items {
		if pod.Spec.NodeName == filter.NodeName {
			onNode = append(onNode, pod)
		}
	}
	return onNode, nil
}

func (c *Client) DeletePod(ctx context.Context, namespace, name string, force bool) error {
	opts := metav1.DeleteOptions{}
	if force {
		opts.GracePeriodSeconds = ptr.To[int64](0)
	}
	err := c.kube.CoreV1().Pods(namespace).Delete(ctx, name, opts)
	if apierrors.IsNotFound(err) {
		klog.V(2).Infof("pod %s/%s already gone", namespace, name)
		return nil
	}
	return err
}

func (c *Client) ListDaemonSets(ctx context.Context, namespace string) ([]appsv1.DaemonSet, error) {
	daemonSets, err := c.kube.AppsV1().DaemonSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	return daemonSets.Items, nil
}

func (c *Client) GetDaemonSet(ctx context.Context, namespace, name string) (*appsv1.DaemonSet, error) {
	return c.kube.AppsV1().DaemonSets(namespace).Get(ctx, name, metav1.GetOptions{})
}

// RolloutRestartDaemonSet bumps the restartedAt template annotation, the same way
// "kubectl rollout restart" does.
func (c *Client) RolloutRestartDaemonSet(ctx context.Context, namespace, name string) error {
	patch := fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		RestartedAtAnnotation, c.clock.Now().Format(time.RFC3339))
	_, err := c.kube.AppsV1().DaemonSets(namespace).Patch(ctx, name, types.StrategicMergePatchType, []byte(patch),
		metav1.PatchOptions{FieldManager: fieldManager})
	return err
}

func (c *Client) GetLeaseHolder(ctx context.Context, namespace, name string) (string, error) {
	lease, err := c.kube.CoordinationV1().Leases(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return ptr.Deref(lease.Spec.HolderIdentity, ""), nil
}
