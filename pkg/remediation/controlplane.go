package remediation

import (
	"context"
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/openshift/cluster-doctor/pkg/clusterclient"
	"github.com/openshift/cluster-doctor/pkg/health"
	"github.com/openshift/cluster-doctor/pkg/nodecontrol"
)

// FixStuckControlPlane force-deletes stuck control-plane pods so the kubelet recreates
// them. Pods that are still not healthy afterwards get a kubelet and runtime reset on
// their nodes. The nodes are never rebooted.
func (e *Engine) FixStuckControlPlane(ctx context.Context, pods []health.PodRecord) error {
	cfg := e.rc.Config
	var stuck []health.PodRecord
	check := func() (string, error) {
		current, err := e.cluster.ListPods(ctx, clusterclient.PodFilter{Namespace: metav1.NamespaceSystem})
		if err != nil {
			return "", err
		}
		for _, p := range pods {
			if pod := findPod(current, p.Namespace, p.Name); pod != nil && health.Classify(pod) == health.PodStuck {
				stuck = append(stuck, p)
			}
		}
		if len(stuck) == 0 {
			return "no control-plane pod is stuck", nil
		}
		return "", nil
	}

	return e.run(FixStuckControlPlane, "", "", "recreate stuck control-plane pods", check, func() error {
		klog.Infof("%d of %d reported control-plane pod(s) are still stuck", len(stuck), len(pods))
		for _, p := range stuck {
			if err := e.deletePod(ctx, FixStuckControlPlane, p.Namespace, p.Name); err != nil {
				klog.Warningf("could not delete stuck pod %s: %v", p.Key(), err)
			}
		}
		if err := e.waitRecreated(ctx, stuck); err == nil {
			return nil
		}

		for _, address := range e.hostAddresses(ctx, stuck) {
			klog.Infof("resetting kubelet and %s on %s for stuck control-plane pods", cfg.RuntimeService, address)
			if err := e.serviceAction(ctx, FixStuckControlPlane, address, cfg.KubeletService, nodecontrol.ServiceStop); err != nil {
				klog.Warningf("could not stop %s on %s: %v", cfg.KubeletService, address, err)
			}
			if err := e.serviceAction(ctx, FixStuckControlPlane, address, cfg.RuntimeService, nodecontrol.ServiceRestart); err != nil {
				klog.Warningf("could not restart %s on %s: %v", cfg.RuntimeService, address, err)
			}
			if err := e.serviceAction(ctx, FixStuckControlPlane, address, cfg.KubeletService, nodecontrol.ServiceStart); err != nil {
				klog.Warningf("could not start %s on %s: %v", cfg.KubeletService, address, err)
			}
		}
		if err := e.waitRecreated(ctx, stuck); err != nil {
			return fmt.Errorf("control-plane pods still not healthy after a runtime reset: %w", err)
		}
		return nil
	})
}

// waitRecreated waits for every pod to exist again and be healthy.
func (e *Engine) waitRecreated(ctx context.Context, pods []health.PodRecord) error {
	return e.wait(ctx, FixStuckControlPlane, "", "stuck control-plane pods recreated", e.rc.Config.StuckPodPolicy(), func(ctx context.Context) (bool, error) {
		current, err := e.cluster.ListPods(ctx, clusterclient.PodFilter{Namespace: metav1.NamespaceSystem})
		if err != nil {
			klog.V(2).Infof("waiting for control-plane pods: %v", err)
			return false, nil
		}
		for _, p := range pods {
			pod := findPod(current, p.Namespace, p.Name)
			if pod == nil || health.Classify(pod) != health.PodHealthy {
				return false, nil
			}
		}
		return true, nil
	})
}

// hostAddresses returns the node control addresses of the nodes running pods, falling
// back to the control-plane address.
func (e *Engine) hostAddresses(ctx context.Context, pods []health.PodRecord) []string {
	addresses := sets.New[string]()
	for _, p := range pods {
		if p.Node == "" {
			addresses.Insert(e.rc.Config.ControlPlaneAddress)
			continue
		}
		node, err := e.cluster.GetNode(ctx, p.Node)
		if err != nil {
			klog.Warningf("could not look up node %s, using the control-plane address: %v", p.Node, err)
			addresses.Insert(e.rc.Config.ControlPlaneAddress)
			continue
		}
		addresses.Insert(health.NodeAddress(node))
	}
	return sets.List(addresses)
}

// RestartControlPlaneComponents brings back missing control-plane containers: a kubelet
// restart recreates the static pods, a runtime restart is the next step.
func (e *Engine) RestartControlPlaneComponents(ctx context.Context, node string) error {
	cfg := e.rc.Config
	address := cfg.ControlPlaneAddress
	check := func() (string, error) {
		missing, err := e.missingComponents(ctx, address)
		if err != nil {
			return "", err
		}
		if len(missing) == 0 {
			return "all control-plane containers run", nil
		}
		klog.Infof("control-plane containers not running: %v", missing)
		return "", nil
	}

	return e.run(RestartControlPlaneComponents, address, node, "restart the control-plane static pods", check, func() error {
		for _, service := range []string{cfg.KubeletService, cfg.RuntimeService} {
			if err := e.serviceAction(ctx, RestartControlPlaneComponents, address, service, nodecontrol.ServiceRestart); err != nil {
				klog.Warningf("could not restart %s on %s: %v", service, address, err)
				continue
			}
			err := e.wait(ctx, RestartControlPlaneComponents, address, "control-plane containers running", cfg.NodeReadyPolicy(), func(ctx context.Context) (bool, error) {
				missing, err := e.missingComponents(ctx, address)
				if err != nil {
					klog.V(2).Infof("waiting for control-plane containers: %v", err)
					return false, nil
				}
				return len(missing) == 0, nil
			})
			if err == nil {
				return nil
			}
		}
		missing, _ := e.missingComponents(ctx, address)
		return fmt.Errorf("control-plane containers still not running: %v", missing)
	})
}

func (e *Engine) missingComponents(ctx context.Context, address string) ([]string, error) {
	containers, err := e.nodes.Containers(ctx, address, true)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, component := range health.ControlPlaneComponents {
		if !health.ComponentRunning(containers, component) {
			missing = append(missing, component)
		}
	}
	return missing, nil
}

// FixLeaderElection handles a scheduler or controller-manager without a healthy leader:
// a leader whose pod is not ready gets its pod deleted, a missing leader a kubelet restart
// on the control-plane node.
func (e *Engine) FixLeaderElection(ctx context.Context, component string) error {
	cfg := e.rc.Config
	var status health.LeaderStatus
	var pods []corev1.Pod
	check := func() (string, error) {
		var err error
		status, pods, err = e.leader(ctx, component)
		if err != nil {
			return "", err
		}
		if status.State == health.StatusHealthy {
			return fmt.Sprintf("%s is led by %s", component, status.Holder), nil
		}
		return "", nil
	}

	return e.run(FixLeaderElection, component, "", "restore leader election of "+component, check, func() error {
		if status.State == health.StatusDegraded {
			for i := range pods {
				pod := &pods[i]
				if health.IsTerminating(pod) || !health.IsNotReady(pod) {
					continue
				}
				if err := e.deletePod(ctx, FixLeaderElection, pod.Namespace, pod.Name); err != nil {
					return err
				}
			}
		} else {
			if err := e.serviceAction(ctx, FixLeaderElection, cfg.ControlPlaneAddress, cfg.KubeletService, nodecontrol.ServiceRestart); err != nil {
				return err
			}
		}
		return e.wait(ctx, FixLeaderElection, component, component+" leader with a ready pod", cfg.StuckPodPolicy(), func(ctx context.Context) (bool, error) {
			current, _, err := e.leader(ctx, component)
			if err != nil {
				klog.V(2).Infof("waiting for %s leader: %v", component, err)
				return false, nil
			}
			return current.State == health.StatusHealthy, nil
		})
	})
}

func (e *Engine) leader(ctx context.Context, component string) (health.LeaderStatus, []corev1.Pod, error) {
	holder, err := e.cluster.GetLeaseHolder(ctx, metav1.NamespaceSystem, component)
	if err != nil {
		return health.LeaderStatus{}, nil, err
	}
	pods, err := e.cluster.ListPods(ctx, clusterclient.PodFilter{
		Namespace:     metav1.NamespaceSystem,
		LabelSelector: health.ComponentLabel + "=" + component,
	})
	if err != nil {
		return health.LeaderStatus{}, nil, err
	}
	sort.Slice(pods, func(i, j int) bool { return pods[i].Name < pods[j].Name })
	return health.Leader(component, holder, pods), pods, nil
}

func findPod(pods []corev1.Pod, namespace, name string) *corev1.Pod {
	for i := range pods {
		if pods[i].Namespace == namespace && pods[i].Name == name {
			return &pods[i]
		}
	}
	return nil
}
