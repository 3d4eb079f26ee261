package nodecontrol

import (
	"context"
	"strings"
)

// Interface is the out-of-band machine control surface used by the evaluator and the
// remediation engine. Nodes are addressed by the address the node control API listens on.
type Interface interface {
	// Version doubles as the liveness probe: an error means the node did not answer.
	Version(ctx context.Context, node string) (string, error)
	Services(ctx context.Context, node string) ([]ServiceStatus, error)
	ServiceAction(ctx context.Context, node, service string, action ServiceAction) error
	Reboot(ctx context.Context, node string) error
	Shutdown(ctx context.Context, node string, force bool) error
	Logs(ctx context.Context, node, service string, tail int) ([]string, error)
	DiskUsage(ctx context.Context, node string) ([]DiskUsage, error)
	Dmesg(ctx context.Context, node string, tail int) ([]string, error)
	Containers(ctx context.Context, node string, kubernetesOnly bool) ([]Container, error)
}

type ServiceAction string

const (
	ServiceStart   ServiceAction = "start"
	ServiceStop    ServiceAction = "stop"
	ServiceRestart ServiceAction = "restart"
)

type HealthFlag string

const (
	HealthOK      HealthFlag = "OK"
	HealthFail    HealthFlag = "Fail"
	HealthUnknown HealthFlag = "?"
)

// ServiceStatus is a snapshot of one system service on one node.
type ServiceStatus struct {
	Node    string     `json:"node"`
	Service string     `json:"service"`
	State   string     `json:"state"`
	Running bool       `json:"running"`
	Health  HealthFlag `json:"health"`
}

// Healthy is true for a running service whose health check has not failed.
func (s ServiceStatus) Healthy() bool {
	return s.Running && s.Health != HealthFail
}

// Container is one entry of the node's container listing.
type Container struct {
	Node      string `json:"node"`
	Namespace string `json:"namespace"`
	ID        string `json:"id"`
	Image     string `json:"image"`
	PID       string `json:"pid"`
	Status    string `json:"status"`
}

// Running matches the runtime's running state marker.
func (c Container) Running() bool {
	return strings.Contains(strings.ToUpper(c.Status), "RUNNING")
}

// DiskUsage is one mounted filesystem. PercentUsed is negative when it could not be parsed.
type DiskUsage struct {
	Node        string  `json:"node"`
	Filesystem  string  `json:"filesystem"`
	MountedOn   string  `json:"mountedOn"`
	PercentUsed float64 `json:"percentUsed"`
}
