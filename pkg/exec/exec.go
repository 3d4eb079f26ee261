package exec

import (
	"context"
	"os/exec"
	"strings"

	"k8s.io/klog/v2"
)

// Executor runs an external command and returns its output.
type Executor interface {
	Execute(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, name string, args ...string) (string, string, error)

func (f ExecutorFunc) Execute(ctx context.Context, name string, args ...string) (string, string, error) {
	return f(ctx, name, args...)
}

// Host executes commands directly on the machine running cluster-doctor.
type Host struct{}

var _ Executor = Host{}

// Execute executes the command. The context bounds its runtime.
func (Host) Execute(ctx context.Context, name string, args ...string) (stdout, stderr string, err error) {
	commandLine := Redact(strings.Join(append([]string{name}, args...), " "))
	klog.V(2).Infof("Executing: %s", commandLine)

	cmd := exec.CommandContext(ctx, name, args...)

	var outBuilder, errBuilder strings.Builder
	cmd.Stdout = &outBuilder
	cmd.Stderr = &errBuilder

	err = cmd.Run()

	klog.V(4).Infof("  stdout: %s", Redact(outBuilder.String()))
	klog.V(4).Infof("  stderr: %s", Redact(errBuilder.String()))
	if err != nil {
		klog.V(2).Infof("  %s: err: %v", name, err)
	}

	return outBuilder.String(), errBuilder.String(), err
}
