package remediation

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/openshift/cluster-doctor/pkg/clusterclient"
	"github.com/openshift/cluster-doctor/pkg/health"
)

// FixCNI applies the rescue manifest when no CNI pod exists and rollout-restarts the CNI
// daemonsets when some CNI pods do not run.
func (e *Engine) FixCNI(ctx context.Context) error {
	cfg := e.rc.Config
	var status health.CNIStatus
	check := func() (string, error) {
		pods, err := e.cluster.ListPods(ctx, clusterclient.PodFilter{})
		if err != nil {
			return "", err
		}
		status = health.CNIFromPods(pods, cfg.CNIPatterns)
		if status.State == health.StatusHealthy {
			return fmt.Sprintf("%d %s pod(s) running", status.Pods, status.Plugin), nil
		}
		return "", nil
	}

	return e.run(FixCNI, "", "", "restore the pod network", check, func() error {
		if status.State == health.StatusAbsent {
			return e.applyRescueManifest(ctx)
		}

		daemonSets, err := e.cluster.ListDaemonSets(ctx, metav1.NamespaceAll)
		if err != nil {
			return err
		}
		var errs []error
		restarted := 0
		for _, ds := range daemonSets {
			if health.MatchCNIPattern(ds.Name, cfg.CNIPatterns) == "" {
				continue
			}
			restarted++
			if err := e.rolloutRestart(ctx, FixCNI, ds.Namespace, ds.Name); err != nil {
				errs = append(errs, err)
			}
		}
		if restarted == 0 {
			return fmt.Errorf("no daemonset matches the CNI patterns %v", cfg.CNIPatterns)
		}
		return utilerrors.NewAggregate(errs)
	})
}

func (e *Engine) applyRescueManifest(ctx context.Context) error {
	location := e.rc.Config.CNIRescueManifest
	if location == "" {
		return fmt.Errorf("no CNI pods found and no rescue manifest is configured")
	}
	return e.step(ctx, FixCNI, stepApplyManifest, location, "apply CNI manifest "+location, func(ctx context.Context) error {
		manifest, err := e.fetchManifest(ctx, location)
		if err != nil {
			return err
		}
		return e.cluster.ApplyManifest(ctx, manifest)
	})
}

// FixKubeProxy rollout-restarts kube-proxy when fewer pods run than the daemonset wants.
func (e *Engine) FixKubeProxy(ctx context.Context) error {
	check := func() (string, error) {
		ds, err := e.cluster.GetDaemonSet(ctx, metav1.NamespaceSystem, health.KubeProxyName)
		if apierrors.IsNotFound(err) {
			return health.KubeProxyName + " is not deployed", nil
		}
		if err != nil {
			return "", err
		}
		pods, err := e.cluster.ListPods(ctx, clusterclient.PodFilter{
			Namespace:     metav1.NamespaceSystem,
			LabelSelector: health.KubeProxySelector,
		})
		if err != nil {
			return "", err
		}
		running, expected := health.RunningKubeProxyPods(pods), int(ds.Status.DesiredNumberScheduled)
		if running >= expected {
			return fmt.Sprintf("%d/%d pods running", running, expected), nil
		}
		return "", nil
	}

	return e.run(FixKubeProxy, metav1.NamespaceSystem+"/"+health.KubeProxyName, "", "rollout restart kube-proxy", check, func() error {
		return e.rolloutRestart(ctx, FixKubeProxy, metav1.NamespaceSystem, health.KubeProxyName)
	})
}

func (e *Engine) rolloutRestart(ctx context.Context, recipe, namespace, name string) error {
	key := namespace + "/" + name
	return e.step(ctx, recipe, stepRolloutRestart, key, "rollout restart daemonset "+key, func(ctx context.Context) error {
		return e.cluster.RolloutRestartDaemonSet(ctx, namespace, name)
	})
}

// UncordonAll makes every cordoned node schedulable again, except nodes an operator
// asked to keep cordoned.
func (e *Engine) UncordonAll(ctx context.Context) error {
	var cordoned []string
	check := func() (string, error) {
		nodes, err := e.cluster.ListNodes(ctx)
		if err != nil {
			return "", err
		}
		for _, node := range nodes {
			if !node.Spec.Unschedulable {
				continue
			}
			if e.rc.Config.IsCordonExempt(node.Name, node.Annotations) {
				continue
			}
			cordoned = append(cordoned, node.Name)
		}
		if len(cordoned) == 0 {
			return "no node needs uncordoning", nil
		}
		return "", nil
	}

	return e.run(UncordonAll, "", "", "uncordon cordoned nodes", check, func() error {
		var errs []error
		for _, name := range cordoned {
			err := e.step(ctx, UncordonAll, stepUncordon, name, "uncordon node "+name, func(ctx context.Context) error {
				return e.cluster.Uncordon(ctx, name)
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			e.event(name, corev1.EventTypeNormal, "Uncordoned", "node made schedulable again")
		}
		return utilerrors.NewAggregate(errs)
	})
}

// CleanupErrorPods force-deletes failed pods cluster-wide.
func (e *Engine) CleanupErrorPods(ctx context.Context) error {
	return e.cleanupPods(ctx, CleanupErrorPods, "failed", health.IsErrored)
}

// CleanupTerminatingPods force-deletes pods stuck with a deletion timestamp.
func (e *Engine) CleanupTerminatingPods(ctx context.Context) error {
	return e.cleanupPods(ctx, CleanupTerminatingPods, "terminating", health.IsTerminating)
}

func (e *Engine) cleanupPods(ctx context.Context, recipe, kind string, matches func(*corev1.Pod) bool) error {
	var targets []corev1.Pod
	check := func() (string, error) {
		pods, err := e.cluster.ListPods(ctx, clusterclient.PodFilter{})
		if err != nil {
			return "", err
		}
		for i := range pods {
			if matches(&pods[i]) {
				targets = append(targets, pods[i])
			}
		}
		if len(targets) == 0 {
			return "no " + kind + " pods", nil
		}
		return "", nil
	}

	return e.run(recipe, "", "", "force-delete "+kind+" pods", check, func() error {
		var errs []error
		for _, pod := range targets {
			if err := e.deletePod(ctx, recipe, pod.Namespace, pod.Name); err != nil {
				errs = append(errs, err)
			}
		}
		return utilerrors.NewAggregate(errs)
	})
}
