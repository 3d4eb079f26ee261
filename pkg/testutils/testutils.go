package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/openshift/cluster-doctor/pkg/nodecontrol"
)

// RunningControlPlaneContainers is what a healthy control-plane node reports.
var RunningControlPlaneContainers = []nodecontrol.Container{
	{Namespace: "k8s.io", ID: "kube-system/kube-apiserver-cp:kube-apiserver", Status: "CONTAINER_RUNNING"},
	{Namespace: "k8s.io", ID: "kube-system/kube-controller-manager-cp:kube-controller-manager", Status: "CONTAINER_RUNNING"},
	{Namespace: "k8s.io", ID: "kube-system/kube-scheduler-cp:kube-scheduler", Status: "CONTAINER_RUNNING"},
}

// DefaultServices are reported for nodes without explicit service state.
var DefaultServices = []string{"apid", "containerd", "etcd", "kubelet"}

// FakeNodeControl is an in-memory nodecontrol.Interface. Every call is recorded as
// "<node> <operation> [args]"; hooks let tests mutate cluster state in reaction.
type FakeNodeControl struct {
	mu sync.Mutex

	calls          []string
	Unreachable    sets.Set[string]
	NodeServices   map[string][]nodecontrol.ServiceStatus
	NodeContainers map[string][]nodecontrol.Container
	Disk           map[string][]nodecontrol.DiskUsage
	LogLines       map[string][]string
	KernelLines    map[string][]string

	// ServiceActionHook runs after a service action was recorded. Its error is returned.
	ServiceActionHook func(node, service string, action nodecontrol.ServiceAction) error
	// RebootHook runs after a reboot was recorded. Its error is returned.
	RebootHook   func(node string) error
	ShutdownHook func(node string) error
}

var _ nodecontrol.Interface = &FakeNodeControl{}

func NewFakeNodeControl() *FakeNodeControl {
	return &FakeNodeControl{
		Unreachable:    sets.New[string](),
		NodeServices:   map[string][]nodecontrol.ServiceStatus{},
		NodeContainers: map[string][]nodecontrol.Container{},
		Disk:           map[string][]nodecontrol.DiskUsage{},
		LogLines:       map[string][]string{},
		KernelLines:    map[string][]string{},
	}
}

// Calls returns a copy of the recorded calls.
func (f *FakeNodeControl) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallsMatching returns the recorded calls containing substr.
func (f *FakeNodeControl) CallsMatching(substr string) []string {
	var matching []string
	for _, c := range f.Calls() {
		if strings.Contains(c, substr) {
			matching = append(matching, c)
		}
	}
	return matching
}

// MutatingCalls returns every recorded call that changes node state.
func (f *FakeNodeControl) MutatingCalls() []string {
	var mutating []string
	for _, c := range f.Calls() {
		fields := strings.Fields(c)
		if len(fields) < 2 {
			continue
		}
		switch fields[1] {
		case "service", "reboot", "shutdown":
			mutating = append(mutating, c)
		}
	}
	return mutating
}

// SetService overrides the state of one service on one node.
func (f *FakeNodeControl) SetService(node, service string, running bool, health nodecontrol.HealthFlag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	services := f.servicesLocked(node)
	state := "Running"
	if !running {
		state = "Finished"
	}
	for i := range services {
		if services[i].Service == service {
			services[i].State, services[i].Running, services[i].Health = state, running, health
			f.NodeServices[node] = services
			return
		}
	}
	f.NodeServices[node] = append(services, nodecontrol.ServiceStatus{Node: node, Service: service, State: state, Running: running, Health: health})
}

func (f *FakeNodeControl) SetUnreachable(node string, unreachable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if unreachable {
		f.Unreachable.Insert(node)
	} else {
		f.Unreachable.Delete(node)
	}
}

func (f *FakeNodeControl) record(node, op string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.Join(append([]string{node, op}, args...), " "))
	if f.Unreachable.Has(node) {
		return fmt.Errorf("rpc error: code = Unavailable desc = connection to %s refused", node)
	}
	return nil
}

func (f *FakeNodeControl) servicesLocked(node string) []nodecontrol.ServiceStatus {
	if services, ok := f.NodeServices[node]; ok {
		return services
	}
	var services []nodecontrol.ServiceStatus
	for _, name := range DefaultServices {
		services = append(services, nodecontrol.ServiceStatus{Node: node, Service: name, State: "Running", Running: true, Health: nodecontrol.HealthOK})
	}
	return services
}

func (f *FakeNodeControl) Version(_ context.Context, node string) (string, error) {
	if err := f.record(node, "version"); err != nil {
		return "", err
	}
	return "v1.6.1", nil
}

func (f *FakeNodeControl) Services(_ context.Context, node string) ([]nodecontrol.ServiceStatus, error) {
	if err := f.record(node, "services"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]nodecontrol.ServiceStatus(nil), f.servicesLocked(node)...), nil
}

func (f *FakeNodeControl) ServiceAction(_ context.Context, node, service string, action nodecontrol.ServiceAction) error {
	if err := f.record(node, "service", service, string(action)); err != nil {
		return err
	}
	if f.ServiceActionHook != nil {
		return f.ServiceActionHook(node, service, action)
	}
	return nil
}

func (f *FakeNodeControl) Reboot(_ context.Context, node string) error {
	if err := f.record(node, "reboot"); err != nil {
		return err
	}
	if f.RebootHook != nil {
		return f.RebootHook(node)
	}
	return nil
}

func (f *FakeNodeControl) Shutdown(_ context.Context, node string, force bool) error {
	if err := f.record(node, "shutdown", fmt.Sprintf("force=%t", force)); err != nil {
		return err
	}
	if f.ShutdownHook != nil {
		return f.ShutdownHook(node)
	}
	return nil
}

func (f *FakeNodeControl) Logs(_ context.Context, node, service string, tail int) ([]string, error) {
	if err := f.record(node, "logs", service); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return tailOf(f.LogLines[node+"/"+service], tail), nil
}

func (f *FakeNodeControl) DiskUsage(_ context.Context, node string) ([]nodecontrol.DiskUsage, error) {
	if err := f.record(node, "df"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Disk[node], nil
}

func (f *FakeNodeControl) Dmesg(_ context.Context, node string, tail int) ([]string, error) {
	if err := f.record(node, "dmesg"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return tailOf(f.KernelLines[node], tail), nil
}

func (f *FakeNodeControl) Containers(_ context.Context, node string, _ bool) ([]nodecontrol.Container, error) {
	if err := f.record(node, "containers"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if containers, ok := f.NodeContainers[node]; ok {
		return containers, nil
	}
	return RunningControlPlaneContainers, nil
}

func tailOf(lines []string, n int) []string {
	if n > 0 && len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}
