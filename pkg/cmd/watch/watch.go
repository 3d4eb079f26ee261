package watch

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/apiserver/pkg/server"
	"k8s.io/klog/v2"

	"github.com/openshift/cluster-doctor/pkg/cmd/run"
	"github.com/openshift/cluster-doctor/pkg/config"
)

type watchOpts struct {
	out        io.Writer
	errOut     io.Writer
	options    *config.Options
	runOnStart bool

	config   *config.Config
	schedule cron.Schedule
}

// NewWatchCommand runs the doctor on a cron schedule until it is signalled.
func NewWatchCommand(out, errOut io.Writer) *cobra.Command {
	opts := &watchOpts{out: out, errOut: errOut, options: config.NewOptions(), runOnStart: true}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run diagnosis and remediation periodically on a cron schedule",
		Run: func(cmd *cobra.Command, args []string) {
			defer klog.Flush()

			if err := opts.Validate(); err != nil {
				fmt.Fprintf(opts.errOut, "invalid configuration: %v\n", err)
				klog.Flush()
				os.Exit(1)
			}
			if err := opts.Run(server.SetupSignalContext()); err != nil {
				klog.Fatal(err)
			}
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

func (o *watchOpts) AddFlags(fs *pflag.FlagSet) {
	o.options.AddFlags(fs)
	o.options.AddScheduleFlag(fs)
	fs.BoolVar(&o.runOnStart, "run-on-start", o.runOnStart, "Run once right away instead of waiting for the first scheduled time.")
}

func (o *watchOpts) Validate() error {
	cfg, err := o.options.Complete(os.Getenv)
	if err != nil {
		return err
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	o.config, o.schedule = cfg, schedule
	return nil
}

func (o *watchOpts) Run(ctx context.Context) error {
	doctor, err := run.NewDoctor(o.config)
	if err != nil {
		return err
	}
	defer doctor.Close()

	w := &watcher{
		schedule:   o.schedule,
		runOnStart: o.runOnStart,
		run: func(ctx context.Context) {
			result := doctor.RunOnce(ctx, o.out)
			klog.Infof("scheduled run finished: %s", result.Outcome)
		},
	}
	return w.Watch(ctx)
}

// watcher triggers complete runs. A run that is due while the previous one is still in
// progress is skipped.
type watcher struct {
	schedule   cron.Schedule
	runOnStart bool
	run        func(ctx context.Context)
}

func (w *watcher) Watch(ctx context.Context) error {
	logger := cron.Logger(klog.Background().WithName("watch"))
	job := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		w.run(ctx)
	}))

	c := cron.New(cron.WithLogger(logger))
	c.Schedule(w.schedule, job)
	c.Start()
	klog.Infof("watching, next run at %s", w.schedule.Next(time.Now()).Format(time.RFC3339))

	var initial sync.WaitGroup
	if w.runOnStart {
		initial.Add(1)
		go func() {
			defer initial.Done()
			job.Run()
		}()
	}

	<-ctx.Done()
	klog.Info("shutting down, waiting for a run in progress")
	<-c.Stop().Done()
	initial.Wait()
	return nil
}
