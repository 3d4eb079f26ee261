package escalation

import (
	"context"

	"github.com/davecgh/go-spew/spew"
	"k8s.io/klog/v2"

	"github.com/openshift/cluster-doctor/pkg/health"
)

// diskUsageWarning is the fill level above which a filesystem is called out.
const diskUsageWarning = 90

// collectDiagnostics gathers what an operator needs to look at for every node that did
// not become Ready. It only reads.
func (c *Controller) collectDiagnostics(ctx context.Context) []NodeDiagnostics {
	cfg := c.rc.Config
	nodes, err := c.cluster.ListNodes(ctx)
	if err != nil {
		klog.Warningf("cannot list nodes for diagnostics: %v", err)
		return nil
	}

	var diagnostics []NodeDiagnostics
	for i := range nodes {
		node := &nodes[i]
		if health.IsNodeReady(node) {
			continue
		}
		d := NodeDiagnostics{
			Node:           node.Name,
			Address:        health.NodeAddress(node),
			Conditions:     node.Status.Conditions,
			KubeletService: cfg.KubeletService,
		}
		klog.Warningf("node %s is still not Ready", node.Name)
		if klog.V(4).Enabled() {
			klog.Infof("conditions of node %s:\n%s", node.Name, spew.Sdump(node.Status.Conditions))
		}

		if d.DiskUsage, err = c.nodes.DiskUsage(ctx, d.Address); err != nil {
			d.Errors = append(d.Errors, "disk usage: "+err.Error())
		}
		for _, fs := range d.DiskUsage {
			if fs.PercentUsed >= diskUsageWarning {
				klog.Warningf("node %s: %s mounted on %s is %.0f%% full", node.Name, fs.Filesystem, fs.MountedOn, fs.PercentUsed)
			}
		}
		if d.KubeletLogs, err = c.nodes.Logs(ctx, d.Address, cfg.KubeletService, cfg.LogTailLines); err != nil {
			d.Errors = append(d.Errors, cfg.KubeletService+" logs: "+err.Error())
		}
		if d.KernelLog, err = c.nodes.Dmesg(ctx, d.Address, cfg.LogTailLines); err != nil {
			d.Errors = append(d.Errors, "kernel log: "+err.Error())
		}
		diagnostics = append(diagnostics, d)
	}
	return diagnostics
}
