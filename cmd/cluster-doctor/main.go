package main

import (
	goflag "flag"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"google.golang.org/grpc/grpclog"
	utilflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/logs"

	"github.com/openshift/cluster-doctor/pkg/cmd/run"
	"github.com/openshift/cluster-doctor/pkg/cmd/watch"
)

func main() {
	// the etcd quorum probe dials through gRPC, keep its info logging out of the output
	grpclog.SetLoggerV2(grpclog.NewLoggerV2(io.Discard, os.Stderr, os.Stderr))

	pflag.CommandLine.SetNormalizeFunc(utilflag.WordSepNormalizeFunc)
	pflag.CommandLine.AddGoFlagSet(goflag.CommandLine)

	logs.AddFlags(pflag.CommandLine)
	logs.InitLogs()
	defer logs.FlushLogs()

	command := NewClusterDoctorCommand()
	if err := command.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func NewClusterDoctorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster-doctor",
		Short: "Diagnose and repair Kubernetes clusters running on Talos Linux",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(1)
		},
	}

	cmd.AddCommand(run.NewRunCommand(os.Stdout, os.Stderr))
	cmd.AddCommand(run.NewCheckCommand(os.Stdout, os.Stderr))
	cmd.AddCommand(watch.NewWatchCommand(os.Stdout, os.Stderr))

	return cmd
}
