package remediation

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/openshift/cluster-doctor/pkg/clusterclient"
	"github.com/openshift/cluster-doctor/pkg/health"
	"github.com/openshift/cluster-doctor/pkg/nodecontrol"
	"github.com/openshift/cluster-doctor/pkg/retry"
)

// RecoverNotReadyNode restarts the container runtime and the kubelet of a NotReady node
// and escalates to RebootNode when that does not bring the node back.
func (e *Engine) RecoverNotReadyNode(ctx context.Context, name string) error {
	cfg := e.rc.Config
	var node *corev1.Node
	check := func() (string, error) {
		var err error
		if node, err = e.cluster.GetNode(ctx, name); err != nil {
			return "", err
		}
		if health.IsNodeReady(node) {
			return "node is Ready", nil
		}
		return "", nil
	}

	return e.run(RecoverNotReadyNode, name, name, "restart the container runtime and kubelet until the node is Ready", check, func() error {
		address := health.NodeAddress(node)

		if err := e.deleteTerminatingPodsOn(ctx, RecoverNotReadyNode, name); err != nil {
			klog.Warningf("could not remove terminating pods of node %s: %v", name, err)
		}
		if err := e.serviceAction(ctx, RecoverNotReadyNode, address, cfg.RuntimeService, nodecontrol.ServiceStop); err != nil {
			klog.Warningf("could not stop %s on %s: %v", cfg.RuntimeService, name, err)
		}
		if err := e.serviceAction(ctx, RecoverNotReadyNode, address, cfg.RuntimeService, nodecontrol.ServiceStart); err != nil {
			return e.escalateToReboot(ctx, name, err)
		}
		if err := e.serviceAction(ctx, RecoverNotReadyNode, address, cfg.KubeletService, nodecontrol.ServiceRestart); err != nil {
			klog.Warningf("could not restart %s on %s: %v", cfg.KubeletService, name, err)
		}
		if err := e.waitNodeReady(ctx, RecoverNotReadyNode, name); err != nil {
			return e.escalateToReboot(ctx, name, err)
		}
		return nil
	})
}

func (e *Engine) escalateToReboot(ctx context.Context, name string, cause error) error {
	klog.Warningf("escalating node %s to a reboot: %v", name, cause)
	if err := e.RebootNode(ctx, name); err != nil {
		return fmt.Errorf("%v, then %w", cause, err)
	}
	return nil
}

func (e *Engine) deleteTerminatingPodsOn(ctx context.Context, recipe, node string) error {
	pods, err := e.cluster.ListPods(ctx, clusterclient.PodFilter{NodeName: node})
	if err != nil {
		return err
	}
	var errs []error
	for i := range pods {
		if !health.IsTerminating(&pods[i]) {
			continue
		}
		if err := e.deletePod(ctx, recipe, pods[i].Namespace, pods[i].Name); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

// RebootNode drains (when configured), reboots and waits for a node to come back. A node
// that does not return within the reboot timeout is reported, not rebooted again.
func (e *Engine) RebootNode(ctx context.Context, name string) error {
	var node *corev1.Node
	check := func() (string, error) {
		var err error
		if node, err = e.cluster.GetNode(ctx, name); err != nil {
			return "", err
		}
		if health.IsNodeReady(node) {
			return "node is Ready", nil
		}
		return "", nil
	}

	return e.run(RebootNode, name, name, "reboot the node and wait for it to return", check, func() error {
		drain := e.rc.Config.DrainBeforeReboot
		// a node that was cordoned before stays cordoned
		uncordon := drain && !node.Spec.Unschedulable
		return e.reboot(ctx, RebootNode, name, health.NodeAddress(node), drain, uncordon)
	})
}

// reboot is shared by RebootNode and RecoverControlPlaneEndpoint. name is empty when the
// Kubernetes API cannot be used.
func (e *Engine) reboot(ctx context.Context, recipe, name, address string, drain, uncordon bool) error {
	cfg := e.rc.Config
	if drain {
		err := e.stepWithPolicy(ctx, recipe, stepDrain, name, "drain node "+name, retry.Policy{Attempts: 1}, func(ctx context.Context) error {
			return e.cluster.Drain(ctx, name, cfg.DrainOptions())
		})
		if err != nil {
			klog.Warningf("drain of %s incomplete, rebooting anyway: %v", name, err)
		}
	}

	err := e.step(ctx, recipe, stepReboot, address, "reboot "+address, func(ctx context.Context) error {
		return e.nodes.Reboot(ctx, address)
	})
	if err != nil {
		klog.Warningf("reboot of %s was not accepted, forcing a shutdown: %v", address, err)
		err = e.step(ctx, recipe, stepShutdown, address, "force shutdown of "+address, func(ctx context.Context) error {
			return e.nodes.Shutdown(ctx, address, true)
		})
		if err != nil {
			return fmt.Errorf("neither reboot nor forced shutdown of %s were accepted: %w", address, err)
		}
	}

	e.waitDown(ctx, address)
	err = e.wait(ctx, recipe, address, "node control API on "+address+" answers", cfg.RebootPolicy(), func(ctx context.Context) (bool, error) {
		_, err := e.nodes.Version(ctx, address)
		return err == nil, nil
	})
	if err != nil {
		return fmt.Errorf("node %s did not come back: %w", address, err)
	}
	if name == "" {
		return nil
	}

	if uncordon {
		err := e.step(ctx, recipe, stepUncordon, name, "uncordon node "+name, func(ctx context.Context) error {
			return e.cluster.Uncordon(ctx, name)
		})
		if err != nil {
			return err
		}
	}
	return e.waitNodeReady(ctx, recipe, name)
}

// waitDown gives a rebooting node up to one call timeout to stop answering, so the
// liveness poll that follows does not see the node before it went down.
func (e *Engine) waitDown(ctx context.Context, address string) {
	cfg := e.rc.Config
	p := retry.Policy{Delay: cfg.RetryDelay, Deadline: cfg.CallTimeout}
	err := retry.Until(ctx, p, "node "+address+" going down", func(ctx context.Context) (bool, error) {
		_, err := e.nodes.Version(ctx, address)
		return err != nil, nil
	})
	if err != nil {
		klog.V(2).Infof("node %s was not seen going down: %v", address, err)
	}
}

// RecoverControlPlaneEndpoint runs one reboot cycle of the control-plane node for an
// unreachable Kubernetes API and waits for the API to answer again.
func (e *Engine) RecoverControlPlaneEndpoint(ctx context.Context) error {
	cfg := e.rc.Config
	address := cfg.ControlPlaneAddress
	check := func() (string, error) {
		if err := e.cluster.Ping(ctx); err == nil {
			return "Kubernetes API answers", nil
		}
		return "", nil
	}

	return e.run(RecoverControlPlaneEndpoint, address, "", "reboot the control-plane node until the Kubernetes API answers", check, func() error {
		if err := e.reboot(ctx, RecoverControlPlaneEndpoint, "", address, false, false); err != nil {
			return err
		}
		return e.wait(ctx, RecoverControlPlaneEndpoint, address, "Kubernetes API answers", cfg.RebootPolicy(), func(ctx context.Context) (bool, error) {
			return e.cluster.Ping(ctx) == nil, nil
		})
	})
}

// RestartService starts a stopped service or restarts an unhealthy one and waits until
// it runs healthy.
func (e *Engine) RestartService(ctx context.Context, node, address, service string) error {
	var running bool
	check := func() (string, error) {
		status, found, err := e.serviceStatus(ctx, address, service)
		if err != nil {
			return "", err
		}
		if found && status.Healthy() {
			return service + " is running", nil
		}
		running = found && status.Running
		return "", nil
	}

	target := node + "/" + service
	return e.run(RestartService, target, node, "bring "+service+" back to a healthy running state", check, func() error {
		action := nodecontrol.ServiceStart
		if running {
			action = nodecontrol.ServiceRestart
		}
		if err := e.serviceAction(ctx, RestartService, address, service, action); err != nil {
			return err
		}
		return e.wait(ctx, RestartService, target, service+" healthy", e.rc.Config.NodeReadyPolicy(), func(ctx context.Context) (bool, error) {
			status, found, err := e.serviceStatus(ctx, address, service)
			if err != nil {
				klog.V(2).Infof("waiting for %s on %s: %v", service, node, err)
				return false, nil
			}
			return found && status.Healthy(), nil
		})
	})
}

func (e *Engine) serviceStatus(ctx context.Context, address, service string) (nodecontrol.ServiceStatus, bool, error) {
	services, err := e.nodes.Services(ctx, address)
	if err != nil {
		return nodecontrol.ServiceStatus{}, false, err
	}
	for _, s := range services {
		if s.Service == service {
			return s, true, nil
		}
	}
	return nodecontrol.ServiceStatus{}, false, nil
}
