package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Options binds a Config to command line flags. Only flags the user set explicitly
// override the file and environment.
type Options struct {
	ConfigFile string

	flags   Config
	copiers map[string]func(dst *Config)
	fs      *pflag.FlagSet
}

func NewOptions() *Options {
	return &Options{flags: *Defaults(), copiers: map[string]func(*Config){}}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.fs = fs
	d := Defaults()
	fs.StringVar(&o.ConfigFile, "config", "", "Path to a YAML configuration file.")

	o.stringFlag(fs, "control-plane-address", d.ControlPlaneAddress, "Node control address of the control-plane node.",
		func(c *Config) *string { return &c.ControlPlaneAddress })
	o.stringFlag(fs, "talosconfig", d.TalosConfigPath, "Path to the talosconfig file.",
		func(c *Config) *string { return &c.TalosConfigPath })
	o.stringFlag(fs, "talosctl", d.TalosctlPath, "talosctl binary to use.",
		func(c *Config) *string { return &c.TalosctlPath })
	o.stringFlag(fs, "kubeconfig", d.KubeconfigPath, "Path to the kubeconfig file.",
		func(c *Config) *string { return &c.KubeconfigPath })

	o.boolFlag(fs, "auto-fix", d.AutoFix, "Apply remediations. When false the run only reports.",
		func(c *Config) *bool { return &c.AutoFix })
	o.durationFlag(fs, "call-timeout", d.CallTimeout, "Timeout of every single API or node control call.",
		func(c *Config) *time.Duration { return &c.CallTimeout })
	o.intFlag(fs, "max-retries", d.MaxRetries, "Attempts per remediation step.",
		func(c *Config) *int { return &c.MaxRetries })
	o.durationFlag(fs, "retry-delay", d.RetryDelay, "Delay between two attempts of a step.",
		func(c *Config) *time.Duration { return &c.RetryDelay })
	o.durationFlag(fs, "convergence-timeout", d.ConvergenceTimeout, "How long to wait for the cluster to converge after remediation.",
		func(c *Config) *time.Duration { return &c.ConvergenceTimeout })
	o.durationFlag(fs, "convergence-interval", d.ConvergenceInterval, "Poll interval of the convergence wait.",
		func(c *Config) *time.Duration { return &c.ConvergenceInterval })
	o.intFlag(fs, "max-passes", d.MaxPasses, "Remediation passes before the run gives up.",
		func(c *Config) *int { return &c.MaxPasses })
	o.intFlag(fs, "control-plane-reboot-cycles", d.ControlPlaneRebootCycles, "Control-plane reboots attempted while the API server is unreachable.",
		func(c *Config) *int { return &c.ControlPlaneRebootCycles })

	o.durationFlag(fs, "reboot-timeout", d.RebootTimeout, "How long to wait for a rebooted node to answer again.",
		func(c *Config) *time.Duration { return &c.RebootTimeout })
	o.durationFlag(fs, "node-ready-timeout", d.NodeReadyTimeout, "How long to wait for a recovered node to become Ready.",
		func(c *Config) *time.Duration { return &c.NodeReadyTimeout })
	o.durationFlag(fs, "stuck-pod-timeout", d.StuckPodRecreateTimeout, "How long to wait for deleted control-plane pods to come back healthy.",
		func(c *Config) *time.Duration { return &c.StuckPodRecreateTimeout })
	o.boolFlag(fs, "drain-before-reboot", d.DrainBeforeReboot, "Drain a node before rebooting it.",
		func(c *Config) *bool { return &c.DrainBeforeReboot })
	o.durationFlag(fs, "drain-grace-period", d.DrainGracePeriod, "Grace period handed to evicted pods.",
		func(c *Config) *time.Duration { return &c.DrainGracePeriod })
	o.durationFlag(fs, "drain-timeout", d.DrainTimeout, "How long a drain may take.",
		func(c *Config) *time.Duration { return &c.DrainTimeout })
	o.stringFlag(fs, "runtime-service", d.RuntimeService, "Name of the container runtime service.",
		func(c *Config) *string { return &c.RuntimeService })
	o.stringFlag(fs, "kubelet-service", d.KubeletService, "Name of the kubelet service.",
		func(c *Config) *string { return &c.KubeletService })

	o.stringFlag(fs, "cni-rescue-manifest", d.CNIRescueManifest, "Path or URL of a CNI manifest applied when no CNI is found. Empty disables the rescue.",
		func(c *Config) *string { return &c.CNIRescueManifest })
	o.stringSliceFlag(fs, "cordon-exempt-nodes", d.CordonExemptNodes, "Nodes that stay cordoned.",
		func(c *Config) *[]string { return &c.CordonExemptNodes })
	o.intFlag(fs, "log-tail-lines", d.LogTailLines, "Log lines collected per node in diagnostics.",
		func(c *Config) *int { return &c.LogTailLines })

	o.stringSliceFlag(fs, "etcd-endpoints", d.EtcdEndpoints, "etcd endpoints for the quorum probe. Empty disables the probe.",
		func(c *Config) *[]string { return &c.EtcdEndpoints })
	o.stringFlag(fs, "etcd-cert", d.EtcdCertFile, "etcd client certificate.",
		func(c *Config) *string { return &c.EtcdCertFile })
	o.stringFlag(fs, "etcd-key", d.EtcdKeyFile, "etcd client key.",
		func(c *Config) *string { return &c.EtcdKeyFile })
	o.stringFlag(fs, "etcd-cacert", d.EtcdCACertFile, "etcd CA bundle.",
		func(c *Config) *string { return &c.EtcdCACertFile })

	o.stringFlag(fs, "output", d.ReportFormat, "Report format: text, json or yaml.",
		func(c *Config) *string { return &c.ReportFormat })
	o.stringSliceFlag(fs, "action-log-outputs", d.ActionLogOutputs, "Targets of structured action records: 'stdout', 'stderr' or a file path.",
		func(c *Config) *[]string { return &c.ActionLogOutputs })
	o.boolFlag(fs, "enable-action-log-rotation", d.EnableActionLogRotation, "Rotate the single file target of --action-log-outputs.",
		func(c *Config) *bool { return &c.EnableActionLogRotation })
	o.stringFlag(fs, "action-log-rotation-config-json", d.ActionLogRotationConfigJSON, "lumberjack rotation settings as JSON.",
		func(c *Config) *string { return &c.ActionLogRotationConfigJSON })
	o.stringFlag(fs, "metrics-textfile", d.MetricsTextfile, "Write Prometheus metrics to this file after each run.",
		func(c *Config) *string { return &c.MetricsTextfile })
}

// AddScheduleFlag registers the watch schedule.
func (o *Options) AddScheduleFlag(fs *pflag.FlagSet) {
	o.stringFlag(fs, "schedule", Defaults().Schedule, "Cron expression of the run schedule.",
		func(c *Config) *string { return &c.Schedule })
}

// Complete resolves defaults, the config file, the environment and the flags in that
// order and validates the result.
func (o *Options) Complete(getenv func(string) string) (*Config, error) {
	cfg := Defaults()
	if o.ConfigFile != "" {
		if err := cfg.LoadFile(o.ConfigFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	if o.fs != nil {
		o.fs.Visit(func(f *pflag.Flag) {
			if copyFlag, ok := o.copiers[f.Name]; ok {
				copyFlag(cfg)
			}
		})
	}
	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bind[T any](o *Options, name string, field func(*Config) *T) {
	o.copiers[name] = func(dst *Config) { *field(dst) = *field(&o.flags) }
}

func (o *Options) stringFlag(fs *pflag.FlagSet, name, def, usage string, field func(*Config) *string) {
	fs.StringVar(field(&o.flags), name, def, usage)
	bind(o, name, field)
}

func (o *Options) boolFlag(fs *pflag.FlagSet, name string, def bool, usage string, field func(*Config) *bool) {
	fs.BoolVar(field(&o.flags), name, def, usage)
	bind(o, name, field)
}

func (o *Options) intFlag(fs *pflag.FlagSet, name string, def int, usage string, field func(*Config) *int) {
	fs.IntVar(field(&o.flags), name, def, usage)
	bind(o, name, field)
}

func (o *Options) durationFlag(fs *pflag.FlagSet, name string, def time.Duration, usage string, field func(*Config) *time.Duration) {
	fs.DurationVar(field(&o.flags), name, def, usage)
	bind(o, name, field)
}

func (o *Options) stringSliceFlag(fs *pflag.FlagSet, name string, def []string, usage string, field func(*Config) *[]string) {
	fs.StringSliceVar(field(&o.flags), name, def, usage)
	bind(o, name, field)
}
