package nodecontrol

import (
	"strconv"
	"strings"
)

// treeMarker prefixes containers that belong to a pod sandbox in the container listing.
const treeMarker = "└─"

// parseServices parses the table printed by "talosctl services":
//
//	NODE         SERVICE      STATE     HEALTH   LAST CHANGE   LAST EVENT
//	172.20.0.2   kubelet      Running   OK       2h3m41s ago   Health check successful
func parseServices(out string) []ServiceStatus {
	var services []ServiceStatus
	for _, line := range dataLines(out, "SERVICE") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		health := HealthFlag(fields[3])
		switch health {
		case HealthOK, HealthFail:
		default:
			health = HealthUnknown
		}
		services = append(services, ServiceStatus{
			Node:    fields[0],
			Service: fields[1],
			State:   fields[2],
			Running: strings.EqualFold(fields[2], "Running"),
			Health:  health,
		})
	}
	return services
}

// parseContainers parses the table printed by "talosctl containers":
//
//	NODE         NAMESPACE   ID                                         IMAGE        PID    STATUS
//	172.20.0.2   k8s.io      kube-system/kube-apiserver-cp-1            pause:3.8    2185   SANDBOX_READY
//	172.20.0.2   k8s.io      └─ kube-system/kube-apiserver-cp-1:kube-apiserver   ...  2297   CONTAINER_RUNNING
func parseContainers(out string) []Container {
	var containers []Container
	for _, line := range dataLines(out, "NAMESPACE") {
		fields := strings.Fields(line)
		if len(fields) > 2 && fields[2] == treeMarker {
			fields = append(fields[:2], fields[3:]...)
		}
		if len(fields) < 6 {
			continue
		}
		containers = append(containers, Container{
			Node:      fields[0],
			Namespace: fields[1],
			ID:        fields[2],
			Image:     fields[3],
			PID:       fields[4],
			Status:    fields[len(fields)-1],
		})
	}
	return containers
}

// parseDiskUsage parses the table printed by "talosctl df":
//
//	NODE         FILESYSTEM   SIZE(GB)   USED(GB)   AVAILABLE(GB)   PERCENT USED   MOUNTED ON
//	172.20.0.2   /dev/sda5    0.10       0.01       0.09            10.62%         /system/state
func parseDiskUsage(out string) []DiskUsage {
	var usage []DiskUsage
	for _, line := range dataLines(out, "FILESYSTEM") {
		fields := strings.Fields(line)
		if len(fields) < 7 {
			continue
		}
		percent, err := strconv.ParseFloat(strings.TrimSuffix(fields[5], "%"), 64)
		if err != nil {
			percent = -1
		}
		usage = append(usage, DiskUsage{
			Node:        fields[0],
			Filesystem:  fields[1],
			PercentUsed: percent,
			MountedOn:   strings.Join(fields[6:], " "),
		})
	}
	return usage
}

// dataLines drops empty lines and the header line identified by headerToken.
func dataLines(out, headerToken string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "NODE") && strings.Contains(trimmed, headerToken) {
			continue
		}
		lines = append(lines, trimmed)
	}
	return lines
}

// lastLines returns at most n trailing non-empty lines.
func lastLines(out string, n int) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
