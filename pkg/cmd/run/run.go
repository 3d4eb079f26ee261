package run

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/apiserver/pkg/server"
	"k8s.io/klog/v2"

	"github.com/openshift/cluster-doctor/pkg/config"
)

type runOpts struct {
	out     io.Writer
	errOut  io.Writer
	options *config.Options
	// checkOnly forces auto-fix off whatever the configuration says.
	checkOnly bool

	config *config.Config
}

// NewRunCommand diagnoses the cluster and remediates what it finds.
func NewRunCommand(out, errOut io.Writer) *cobra.Command {
	return newCommand(&runOpts{out: out, errOut: errOut, options: config.NewOptions()},
		"run", "Diagnose the cluster and apply escalating remediations until it converges")
}

// NewCheckCommand only diagnoses the cluster. It never changes anything.
func NewCheckCommand(out, errOut io.Writer) *cobra.Command {
	return newCommand(&runOpts{out: out, errOut: errOut, options: config.NewOptions(), checkOnly: true},
		"check", "Diagnose the cluster and report without remediating")
}

func newCommand(opts *runOpts, use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			defer klog.Flush()

			if err := opts.Validate(); err != nil {
				fmt.Fprintf(opts.errOut, "invalid configuration: %v\n", err)
				klog.Flush()
				os.Exit(1)
			}
			code, err := opts.Run(server.SetupSignalContext())
			if err != nil {
				klog.Fatal(err)
			}
			klog.Flush()
			os.Exit(code)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

func (o *runOpts) AddFlags(fs *pflag.FlagSet) {
	o.options.AddFlags(fs)
}

func (o *runOpts) Validate() error {
	cfg, err := o.options.Complete(os.Getenv)
	if err != nil {
		return err
	}
	if o.checkOnly {
		cfg.AutoFix = false
	}
	o.config = cfg
	return nil
}

// Run returns the process exit code of a single run.
func (o *runOpts) Run(ctx context.Context) (int, error) {
	doctor, err := NewDoctor(o.config)
	if err != nil {
		return 1, err
	}
	defer doctor.Close()

	return doctor.RunOnce(ctx, o.out).ExitCode(), nil
}
