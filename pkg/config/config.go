package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/client-go/util/homedir"

	"github.com/openshift/cluster-doctor/pkg/clusterclient"
	"github.com/openshift/cluster-doctor/pkg/retry"
)

const (
	ReportText = "text"
	ReportJSON = "json"
	ReportYAML = "yaml"

	// IntentionallyCordonedAnnotation exempts a node from Uncordon-All when set to "true".
	IntentionallyCordonedAnnotation = "cluster-doctor.io/intentionally-cordoned"
)

// Config is the fully resolved configuration of a run.
type Config struct {
	ControlPlaneAddress string `yaml:"controlPlaneAddress"`
	TalosConfigPath     string `yaml:"talosconfig"`
	TalosctlPath        string `yaml:"talosctl"`
	KubeconfigPath      string `yaml:"kubeconfig"`

	AutoFix                  bool          `yaml:"autoFix"`
	CallTimeout              time.Duration `yaml:"callTimeout"`
	MaxRetries               int           `yaml:"maxRetries"`
	RetryDelay               time.Duration `yaml:"retryDelay"`
	ConvergenceTimeout       time.Duration `yaml:"convergenceTimeout"`
	ConvergenceInterval      time.Duration `yaml:"convergenceInterval"`
	MaxPasses                int           `yaml:"maxPasses"`
	ControlPlaneRebootCycles int           `yaml:"controlPlaneRebootCycles"`

	RebootTimeout           time.Duration `yaml:"rebootTimeout"`
	NodeReadyTimeout        time.Duration `yaml:"nodeReadyTimeout"`
	StuckPodRecreateTimeout time.Duration `yaml:"stuckPodTimeout"`
	DrainBeforeReboot       bool          `yaml:"drainBeforeReboot"`
	DrainGracePeriod        time.Duration `yaml:"drainGracePeriod"`
	DrainTimeout            time.Duration `yaml:"drainTimeout"`

	RuntimeService string `yaml:"runtimeService"`
	KubeletService string `yaml:"kubeletService"`
	// MonitoredServices are checked on every node.
	MonitoredServices []string `yaml:"monitoredServices"`
	// ControlPlaneServices are additionally checked on the control-plane node.
	ControlPlaneServices []string `yaml:"controlPlaneServices"`

	CNIPatterns       []string `yaml:"cniPatterns"`
	CNIRescueManifest string   `yaml:"cniRescueManifest"`
	CordonExemptNodes []string `yaml:"cordonExemptNodes"`

	LogTailLines   int      `yaml:"logTailLines"`
	EtcdEndpoints  []string `yaml:"etcdEndpoints"`
	EtcdCertFile   string   `yaml:"etcdCert"`
	EtcdKeyFile    string   `yaml:"etcdKey"`
	EtcdCACertFile string   `yaml:"etcdCACert"`

	ReportFormat                string   `yaml:"output"`
	ActionLogOutputs            []string `yaml:"actionLogOutputs"`
	EnableActionLogRotation     bool     `yaml:"enableActionLogRotation"`
	ActionLogRotationConfigJSON string   `yaml:"actionLogRotationConfigJSON"`
	MetricsTextfile             string   `yaml:"metricsTextfile"`

	// Schedule is the cron expression of the watch command.
	Schedule string `yaml:"schedule"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		TalosConfigPath: filepath.Join("~", ".talos", "config"),
		TalosctlPath:    "talosctl",
		KubeconfigPath:  filepath.Join("~", ".kube", "config"),

		AutoFix:                  true,
		CallTimeout:              30 * time.Second,
		MaxRetries:               3,
		RetryDelay:               5 * time.Second,
		ConvergenceTimeout:       300 * time.Second,
		ConvergenceInterval:      10 * time.Second,
		MaxPasses:                2,
		ControlPlaneRebootCycles: 1,

		RebootTimeout:           10 * time.Minute,
		NodeReadyTimeout:        3 * time.Minute,
		StuckPodRecreateTimeout: 2 * time.Minute,
		DrainBeforeReboot:       true,
		DrainGracePeriod:        30 * time.Second,
		DrainTimeout:            2 * time.Minute,

		RuntimeService:       "containerd",
		KubeletService:       "kubelet",
		MonitoredServices:    []string{"kubelet"},
		ControlPlaneServices: []string{"etcd"},

		CNIPatterns: []string{"flannel", "calico", "cilium", "weave", "canal", "kube-router", "antrea"},

		LogTailLines: 50,
		ReportFormat: ReportText,
		Schedule:     "*/15 * * * *",
	}
}

// LoadFile overlays the YAML file at path onto c. Keys missing from the file keep
// their current value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays the supported environment variables onto c. Timeouts are given in
// seconds or as Go durations.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("CONTROL_PLANE_ADDRESS", &c.ControlPlaneAddress)
	str("TALOSCONFIG", &c.TalosConfigPath)
	str("TALOSCTL", &c.TalosctlPath)
	str("KUBECONFIG", &c.KubeconfigPath)
	str("CNI_RESCUE_MANIFEST", &c.CNIRescueManifest)

	if v := getenv("AUTO_FIX"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("AUTO_FIX: %w", err))
		} else {
			c.AutoFix = b
		}
	}
	if v := getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_RETRIES: %w", err))
		} else {
			c.MaxRetries = n
		}
	}
	seconds := func(key string, dst *time.Duration) {
		v := getenv(key)
		if v == "" {
			return
		}
		d, err := parseSeconds(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	seconds("CALL_TIMEOUT", &c.CallTimeout)
	seconds("RETRY_DELAY", &c.RetryDelay)
	seconds("CONVERGENCE_TIMEOUT", &c.ConvergenceTimeout)
	return utilerrors.NewAggregate(errs)
}

func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// ExpandPaths resolves a leading "~" in file paths.
func (c *Config) ExpandPaths() {
	for _, p := range []*string{&c.TalosConfigPath, &c.KubeconfigPath, &c.EtcdCertFile, &c.EtcdKeyFile, &c.EtcdCACertFile, &c.MetricsTextfile} {
		*p = expandHome(*p)
	}
	if !isURL(c.CNIRescueManifest) {
		c.CNIRescueManifest = expandHome(c.CNIRescueManifest)
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		return filepath.Join(homedir.HomeDir(), strings.TrimPrefix(p, "~"))
	}
	return p
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Validate returns every problem of the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ControlPlaneAddress == "" {
		errs = append(errs, fmt.Errorf("control plane address is required"))
	}
	positive := map[string]time.Duration{
		"call-timeout":         c.CallTimeout,
		"convergence-timeout":  c.ConvergenceTimeout,
		"convergence-interval": c.ConvergenceInterval,
		"reboot-timeout":       c.RebootTimeout,
		"node-ready-timeout":   c.NodeReadyTimeout,
		"stuck-pod-timeout":    c.StuckPodRecreateTimeout,
		"drain-timeout":        c.DrainTimeout,
	}
	for _, name := range sets.List(sets.KeySet(positive)) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, positive[name]))
		}
	}
	if c.RetryDelay < 0 || c.DrainGracePeriod < 0 {
		errs = append(errs, fmt.Errorf("retry-delay and drain-grace-period must not be negative"))
	}
	if c.ConvergenceInterval > c.ConvergenceTimeout {
		errs = append(errs, fmt.Errorf("convergence-interval %s exceeds convergence-timeout %s", c.ConvergenceInterval, c.ConvergenceTimeout))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max-retries must be at least 1, got %d", c.MaxRetries))
	}
	if c.MaxPasses < 1 {
		errs = append(errs, fmt.Errorf("max-passes must be at least 1, got %d", c.MaxPasses))
	}
	if c.ControlPlaneRebootCycles < 0 {
		errs = append(errs, fmt.Errorf("control-plane-reboot-cycles must not be negative, got %d", c.ControlPlaneRebootCycles))
	}
	if c.RuntimeService == "" || c.KubeletService == "" {
		errs = append(errs, fmt.Errorf("runtime-service and kubelet-service must be set"))
	}
	switch c.ReportFormat {
	case ReportText, ReportJSON, ReportYAML:
	default:
		errs = append(errs, fmt.Errorf("unsupported output format %q", c.ReportFormat))
	}
	if (c.EtcdCertFile == "") != (c.EtcdKeyFile == "") {
		errs = append(errs, fmt.Errorf("etcd-cert and etcd-key must be given together"))
	}
	return utilerrors.NewAggregate(errs)
}

// IsCordonExempt reports whether an operator asked for the node to stay cordoned.
func (c *Config) IsCordonExempt(node string, annotations map[string]string) bool {
	if annotations[IntentionallyCordonedAnnotation] == "true" {
		return true
	}
	return sets.New(c.CordonExemptNodes...).Has(node)
}

// StepPolicy governs single remediation steps.
func (c *Config) StepPolicy() retry.Policy {
	return retry.Policy{Attempts: c.MaxRetries, Delay: c.RetryDelay}
}

// ConvergencePolicy governs the final wait of a pass.
func (c *Config) ConvergencePolicy() retry.Policy {
	return retry.Policy{Delay: c.ConvergenceInterval, Deadline: c.ConvergenceTimeout}
}

func (c *Config) NodeReadyPolicy() retry.Policy {
	return retry.Policy{Delay: c.pollInterval(), Deadline: c.NodeReadyTimeout}
}

func (c *Config) RebootPolicy() retry.Policy {
	return retry.Policy{Delay: c.pollInterval(), Deadline: c.RebootTimeout}
}

func (c *Config) StuckPodPolicy() retry.Policy {
	return retry.Policy{Delay: c.pollInterval(), Deadline: c.StuckPodRecreateTimeout}
}

func (c *Config) DrainOptions() clusterclient.DrainOptions {
	return clusterclient.DrainOptions{
		GracePeriod:        c.DrainGracePeriod,
		Timeout:            c.DrainTimeout,
		DeleteEmptyDirData: true,
	}
}

// pollInterval is used by waits that have their own deadline.
func (c *Config) pollInterval() time.Duration {
	if c.RetryDelay > 0 {
		return c.RetryDelay
	}
	return c.ConvergenceInterval
}
