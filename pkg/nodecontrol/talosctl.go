package nodecontrol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/openshift/cluster-doctor/pkg/exec"
	"github.com/openshift/cluster-doctor/pkg/faults"
)

const DefaultBinary = "talosctl"

// Talosctl implements Interface on top of the talosctl command line client.
type Talosctl struct {
	// Binary is the talosctl executable.
	Binary string
	// ConfigPath is passed as --talosconfig when set.
	ConfigPath string
	// Endpoint is used as --endpoints. When empty every call goes straight to the target
	// node, which keeps workers reachable while the control plane is down.
	Endpoint string
	// Timeout bounds each single invocation.
	Timeout  time.Duration
	Executor exec.Executor
}

var _ Interface = &Talosctl{}

func NewTalosctl(binary, configPath, endpoint string, timeout time.Duration, executor exec.Executor) *Talosctl {
	if binary == "" {
		binary = DefaultBinary
	}
	if executor == nil {
		executor = exec.Host{}
	}
	return &Talosctl{
		Binary:     binary,
		ConfigPath: configPath,
		Endpoint:   endpoint,
		Timeout:    timeout,
		Executor:   executor,
	}
}

func (t *Talosctl) Version(ctx context.Context, node string) (string, error) {
	out, err := t.run(ctx, node, "version")
	if err != nil {
		return "", err
	}
	return serverTag(out), nil
}

func (t *Talosctl) Services(ctx context.Context, node string) ([]ServiceStatus, error) {
	out, err := t.run(ctx, node, "services")
	if err != nil {
		return nil, err
	}
	return parseServices(out), nil
}

func (t *Talosctl) ServiceAction(ctx context.Context, node, service string, action ServiceAction) error {
	switch action {
	case ServiceStart, ServiceStop, ServiceRestart:
	default:
		return fmt.Errorf("unsupported service action %q", action)
	}
	_, err := t.run(ctx, node, "service", service, string(action))
	return err
}

func (t *Talosctl) Reboot(ctx context.Context, node string) error {
	_, err := t.run(ctx, node, "reboot", "--wait=false")
	return err
}

func (t *Talosctl) Shutdown(ctx context.Context, node string, force bool) error {
	args := []string{"shutdown", "--wait=false"}
	if force {
		args = append(args, "--force")
	}
	_, err := t.run(ctx, node, args...)
	return err
}

func (t *Talosctl) Logs(ctx context.Context, node, service string, tail int) ([]string, error) {
	args := []string{"logs", service}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	out, err := t.run(ctx, node, args...)
	if err != nil {
		return nil, err
	}
	return lastLines(out, tail), nil
}

func (t *Talosctl) DiskUsage(ctx context.Context, node string) ([]DiskUsage, error) {
	out, err := t.run(ctx, node, "df")
	if err != nil {
		return nil, err
	}
	return parseDiskUsage(out), nil
}

// Dmesg returns the tail of the kernel ring buffer. talosctl has no tail option for it.
func (t *Talosctl) Dmesg(ctx context.Context, node string, tail int) ([]string, error) {
	out, err := t.run(ctx, node, "dmesg")
	if err != nil {
		return nil, err
	}
	return lastLines(out, tail), nil
}

func (t *Talosctl) Containers(ctx context.Context, node string, kubernetesOnly bool) ([]Container, error) {
	args := []string{"containers"}
	if kubernetesOnly {
		args = append(args, "-k")
	}
	out, err := t.run(ctx, node, args...)
	if err != nil {
		return nil, err
	}
	return parseContainers(out), nil
}

func (t *Talosctl) run(ctx context.Context, node string, args ...string) (string, error) {
	if node == "" {
		return "", errors.New("no node address given")
	}
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	endpoint := t.Endpoint
	if endpoint == "" {
		endpoint = node
	}
	full := make([]string, 0, len(args)+6)
	if t.ConfigPath != "" {
		full = append(full, "--talosconfig", t.ConfigPath)
	}
	full = append(full, "--nodes", node, "--endpoints", endpoint)
	full = append(full, args...)

	stdout, stderr, err := t.Executor.Execute(ctx, t.Binary, full...)
	if err != nil {
		op := fmt.Sprintf("talosctl %s on %s", args[0], node)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &faults.TimeoutError{Operation: op, After: t.Timeout, Err: err}
		}
		if msg := strings.TrimSpace(stderr); msg != "" {
			return "", fmt.Errorf("%s: %w: %s", op, err, exec.Redact(msg))
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}
	klog.V(4).Infof("talosctl %s on %s succeeded", args[0], node)
	return stdout, nil
}

// serverTag extracts the server version tag from "talosctl version" output, falling back
// to the trimmed output when it has an unexpected shape.
func serverTag(out string) string {
	inServer := false
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Server:") {
			inServer = true
			continue
		}
		if inServer && strings.HasPrefix(trimmed, "Tag:") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "Tag:"))
		}
	}
	return strings.TrimSpace(out)
}
