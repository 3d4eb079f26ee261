package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ghodss/yaml"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/openshift/cluster-doctor/pkg/actionlog"
	"github.com/openshift/cluster-doctor/pkg/config"
	"github.com/openshift/cluster-doctor/pkg/escalation"
	"github.com/openshift/cluster-doctor/pkg/health"
)

// Write renders the summary of a run in the given format.
func Write(w io.Writer, format string, result *escalation.Result) error {
	switch format {
	case config.ReportJSON:
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case config.ReportYAML:
		data, err := yaml.Marshal(result)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case config.ReportText, "":
		return writeText(w, result)
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
}

func writeText(out io.Writer, result *escalation.Result) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	took := result.Finished.Sub(result.Started).Round(time.Millisecond)
	fmt.Fprintf(w, "OUTCOME: %s (exit %d) after %d pass(es) in %s\n", result.Outcome, result.ExitCode(), result.Passes, took)
	fmt.Fprintf(w, "STATES: %s\n", joinStates(result.Transitions))
	if result.Error != "" {
		fmt.Fprintf(w, "ERROR: %s\n", result.Error)
	}

	if r := result.Report; r != nil {
		fmt.Fprintln(w)
		writeNodes(w, r)
		fmt.Fprintln(w)
		writeChecks(w, r)
		fmt.Fprintln(w)
		writeFindings(w, r)
	}

	if performed := recipes(result.Actions); len(performed) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "#\tACTION\tTARGET\tOUTCOME\tDURATION\tDETAIL")
		for _, e := range performed {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", e.Sequence, e.Action, orDash(e.Target), e.Outcome, e.Duration.Round(time.Millisecond), e.Detail)
		}
	}

	for _, d := range result.Diagnostics {
		fmt.Fprintln(w)
		writeDiagnostics(w, d)
	}
	return w.Flush()
}

func writeNodes(w io.Writer, r *health.Report) {
	fmt.Fprintln(w, "NODE\tADDRESS\tROLE\tREADY\tREACHABLE\tSCHEDULABLE")
	for _, n := range r.Nodes {
		role := "worker"
		if n.ControlPlane {
			role = "control-plane"
		}
		ready := string(n.Ready)
		if !n.IsReady() && n.ReadyReason != "" {
			ready += " (" + n.ReadyReason + ")"
		}
		schedulable := "yes"
		if n.Unschedulable {
			schedulable = "no"
			if n.CordonExempt {
				schedulable = "no (exempt)"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", n.Name, orDash(n.Address), role, ready, n.Reachable, schedulable)
	}
}

func writeChecks(w io.Writer, r *health.Report) {
	fmt.Fprintln(w, "CHECK\tSTATUS")

	cni := string(r.CNI.State)
	if r.CNI.Plugin != "" {
		cni += fmt.Sprintf(" (%s, %d pods)", r.CNI.Plugin, r.CNI.Pods)
	}
	fmt.Fprintf(w, "cni\t%s\n", cni)

	if r.KubeProxy.Known {
		fmt.Fprintf(w, "kube-proxy\t%d/%d running\n", r.KubeProxy.Running, r.KubeProxy.Expected)
	} else {
		fmt.Fprintf(w, "kube-proxy\t%s\n", health.StatusUnknown)
	}

	for _, l := range []health.LeaderStatus{r.Scheduler, r.ControllerManager} {
		fmt.Fprintf(w, "%s leader\t%s\n", l.Component, leaderText(l))
	}

	for _, component := range health.ControlPlaneComponents {
		state, ok := r.ControlPlaneContainers[component]
		if !ok {
			state = metav1.ConditionUnknown
		}
		fmt.Fprintf(w, "%s container\t%s\n", component, state)
	}

	switch {
	case !r.Etcd.Checked:
		fmt.Fprintln(w, "etcd quorum\tnot checked")
	case r.Etcd.Error != "":
		fmt.Fprintf(w, "etcd quorum\t%s (%s)\n", r.Etcd.Healthy, r.Etcd.Error)
	default:
		fmt.Fprintf(w, "etcd quorum\t%s\n", r.Etcd.Healthy)
	}

	for _, s := range r.UnhealthyServices {
		fmt.Fprintf(w, "%s on %s\t%s/%s\n", s.Service, s.Node, orDash(s.State), orDash(string(s.Health)))
	}
	for _, p := range r.ProbeErrors {
		fmt.Fprintf(w, "probe %s\tfailed: %s\n", p.Check, p.Error)
	}
}

func writeFindings(w io.Writer, r *health.Report) {
	findings := r.Findings()
	var problems []string
	for _, category := range r.Problems() {
		problems = append(problems, fmt.Sprintf("%s=%d", category, findings[category]))
	}
	if len(problems) == 0 {
		fmt.Fprintln(w, "FINDINGS: none")
		return
	}
	fmt.Fprintf(w, "FINDINGS: %s\n", strings.Join(problems, " "))

	pods := append(append(append([]health.PodRecord{}, r.StuckPods...), r.ErrorPods...), r.TerminatingPods...)
	sort.Slice(pods, func(i, j int) bool { return pods[i].Key() < pods[j].Key() })
	for _, p := range pods {
		fmt.Fprintf(w, "  pod %s\t%s\t%s\n", p.Key(), p.Category, strings.Join(p.Reasons, ", "))
	}
}

func writeDiagnostics(w io.Writer, d escalation.NodeDiagnostics) {
	fmt.Fprintf(w, "DIAGNOSTICS %s (%s)\n", d.Node, d.Address)
	for _, c := range d.Conditions {
		fmt.Fprintf(w, "  condition %s\t%s\t%s\n", c.Type, c.Status, c.Reason)
	}
	for _, fs := range d.DiskUsage {
		fmt.Fprintf(w, "  disk %s\t%.0f%% used\n", fs.MountedOn, fs.PercentUsed)
	}
	for _, line := range d.KubeletLogs {
		fmt.Fprintf(w, "  %s | %s\n", orDash(d.KubeletService), line)
	}
	for _, line := range d.KernelLog {
		fmt.Fprintf(w, "  kernel | %s\n", line)
	}
	for _, e := range d.Errors {
		fmt.Fprintf(w, "  not collected: %s\n", e)
	}
}

func leaderText(l health.LeaderStatus) string {
	if l.Holder == "" {
		return string(l.State)
	}
	return fmt.Sprintf("%s (held by %s)", l.State, l.Holder)
}

// recipes drops the individual steps, which the structured action log keeps.
func recipes(entries []actionlog.Entry) []actionlog.Entry {
	var out []actionlog.Entry
	for _, e := range entries {
		if e.Recipe == "" {
			out = append(out, e)
		}
	}
	return out
}

func joinStates(states []escalation.State) string {
	s := make([]string, len(states))
	for i := range states {
		s[i] = string(states[i])
	}
	return strings.Join(s, " -> ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
