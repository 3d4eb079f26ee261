package run

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"

	"github.com/openshift/cluster-doctor/pkg/actionlog"
	"github.com/openshift/cluster-doctor/pkg/clusterclient"
	"github.com/openshift/cluster-doctor/pkg/config"
	"github.com/openshift/cluster-doctor/pkg/escalation"
	"github.com/openshift/cluster-doctor/pkg/health"
	"github.com/openshift/cluster-doctor/pkg/metrics"
	"github.com/openshift/cluster-doctor/pkg/nodecontrol"
	"github.com/openshift/cluster-doctor/pkg/report"
)

const component = "cluster-doctor"

// Doctor holds the clients that outlive a single run. The watch command reuses one
// Doctor for every scheduled run.
type Doctor struct {
	Config *config.Config

	cluster  clusterclient.Interface
	nodes    nodecontrol.Interface
	etcd     health.EtcdProber
	logger   *zap.Logger
	metrics  *metrics.Recorder
	recorder record.EventRecorder
	closers  []func()
}

// NewDoctor connects to both APIs as configured. Nothing is contacted yet.
func NewDoctor(cfg *config.Config) (*Doctor, error) {
	restConfig, err := clusterclient.BuildConfig(cfg.KubeconfigPath, cfg.CallTimeout)
	if err != nil {
		return nil, err
	}
	cluster, kube, err := clusterclient.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create Kubernetes client: %w", err)
	}

	nodes := nodecontrol.NewTalosctl(cfg.TalosctlPath, cfg.TalosConfigPath, "", cfg.CallTimeout, nil)
	return newDoctor(cfg, cluster, nodes, kube)
}

func newDoctor(cfg *config.Config, cluster clusterclient.Interface, nodes nodecontrol.Interface, kube kubernetes.Interface) (*Doctor, error) {
	d := &Doctor{
		Config:  cfg,
		cluster: cluster,
		nodes:   nodes,
		metrics: metrics.NewRecorder(),
	}
	if err := d.complete(kube); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Doctor) complete(kube kubernetes.Interface) error {
	cfg := d.Config

	probe, err := health.NewEtcdQuorumProbe(cfg.EtcdEndpoints, cfg.EtcdCertFile, cfg.EtcdKeyFile, cfg.EtcdCACertFile, cfg.CallTimeout)
	if err != nil {
		return err
	}
	if probe != nil {
		d.etcd = probe
	}

	d.logger, err = actionlog.NewZapLogger(actionlog.SinkOptions{
		Outputs:            cfg.ActionLogOutputs,
		EnableRotation:     cfg.EnableActionLogRotation,
		RotationConfigJSON: cfg.ActionLogRotationConfigJSON,
	})
	if err != nil {
		return fmt.Errorf("action log: %w", err)
	}
	if d.logger != nil {
		d.closers = append(d.closers, func() { _ = d.logger.Sync() })
	}

	recorder, stop := clusterclient.NewEventRecorder(kube, component)
	d.recorder = recorder
	d.closers = append(d.closers, stop)
	return nil
}

// RunOnce executes one complete run and writes its summary to out. The run always
// produces a result, even when it could not get past probing.
func (d *Doctor) RunOnce(ctx context.Context, out io.Writer) *escalation.Result {
	cfg := d.Config
	rc := config.NewRunContext(cfg, actionlog.New(d.logger), d.metrics, d.recorder)
	result := escalation.NewController(d.cluster, d.nodes, rc, d.etcd).Run(ctx)

	if err := report.Write(out, cfg.ReportFormat, result); err != nil {
		klog.Errorf("cannot write report: %v", err)
	}
	if err := d.metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
		klog.Errorf("cannot write metrics to %s: %v", cfg.MetricsTextfile, err)
	}
	return result
}

// Close flushes the event broadcaster and the action log.
func (d *Doctor) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}
