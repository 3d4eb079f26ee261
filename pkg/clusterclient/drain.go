package clusterclient

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/klog/v2"
	"k8s.io/kubectl/pkg/drain"
)

// Drain cordons the node and evicts every pod a drain is allowed to move. Daemonset
// managed and mirror pods stay. The wait for evicted pods is bounded by opts.Timeout.
func (c *Client) Drain(ctx context.Context, node string, opts DrainOptions) error {
	if err := c.Cordon(ctx, node); err != nil {
		return fmt.Errorf("cordon %s: %w", node, err)
	}

	drainer := c.drainer(ctx, opts)
	drainer.AdditionalFilters = []drain.PodFilter{scheduledOn(node)}
	if gv, err := drain.CheckEvictionSupport(c.kube); err != nil || gv.Empty() {
		klog.Warningf("drain %s: eviction API not available, deleting pods instead: %v", node, err)
		drainer.DisableEviction = true
	}

	if err := drain.RunNodeDrain(drainer, node); err != nil {
		return fmt.Errorf("drain %s: %w", node, err)
	}
	return nil
}

func (c *Client) Cordon(ctx context.Context, node string) error {
	return c.cordonOrUncordon(ctx, node, true)
}

func (c *Client) Uncordon(ctx context.Context, node string) error {
	return c.cordonOrUncordon(ctx, node, false)
}

func (c *Client) cordonOrUncordon(ctx context.Context, name string, cordon bool) error {
	node, err := c.GetNode(ctx, name)
	if err != nil {
		return err
	}
	return drain.RunCordonOrUncordon(c.drainer(ctx, DrainOptions{}), node, cordon)
}

func (c *Client) drainer(ctx context.Context, opts DrainOptions) *drain.Helper {
	gracePeriod := -1
	if opts.GracePeriod > 0 {
		gracePeriod = int(opts.GracePeriod.Seconds())
	}
	return &drain.Helper{
		Ctx:                 ctx,
		Client:              c.kube,
		Force:               true,
		GracePeriodSeconds:  gracePeriod,
		IgnoreAllDaemonSets: true,
		DeleteEmptyDirData:  opts.DeleteEmptyDirData,
		Timeout:             opts.Timeout,
		OnPodDeletionOrEvictionFinished: func(pod *corev1.Pod, usingEviction bool, err error) {
			if err != nil {
				klog.Warningf("removing pod %s/%s failed: %v", pod.Namespace, pod.Name, err)
				return
			}
			klog.V(2).Infof("removed pod %s/%s (eviction: %t)", pod.Namespace, pod.Name, usingEviction)
		},
		Out:    klogWriter{},
		ErrOut: klogWriter{warning: true},
	}
}

// scheduledOn skips pods of other nodes. Not every server honours the field selector
// the drain lists pods with.
func scheduledOn(node string) drain.PodFilter {
	return func(pod corev1.Pod) drain.PodDeleteStatus {
		if pod.Spec.NodeName != node {
			return drain.MakePodDeleteStatusSkip()
		}
		return drain.MakePodDeleteStatusOkay()
	}
}

// klogWriter forwards the drain helper's progress output to klog.
type klogWriter struct {
	warning bool
}

func (w klogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if w.warning {
		klog.Warning(msg)
	} else {
		klog.V(2).Info(msg)
	}
	return len(p), nil
}
