package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/jujucub/claps/internal/config"
	"github.com/jujucub/claps/pkg/protocol"
)

var doctorInteractive bool

func doctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			sections := []string{"binaries", "state", "channels", "history", "gateway"}
			if doctorInteractive {
				selected, err := pickDoctorSections(sections)
				if err != nil {
					fmt.Printf("doctor: prompt canceled: %s\n", err)
					return
				}
				sections = selected
			}
			runDoctor(sections)
		},
	}
	cmd.Flags().BoolVarP(&doctorInteractive, "interactive", "i", false, "choose which checks to run via an interactive prompt")
	return cmd
}

// pickDoctorSections lets the operator narrow a doctor run down to the
// sections they care about, useful when only the gateway or only the
// channel config needs a quick look.
func pickDoctorSections(all []string) ([]string, error) {
	selected := append([]string{}, all...)
	options := make([]huh.Option[string], len(all))
	for i, s := range all {
		options[i] = huh.NewOption(s, s).Selected(true)
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Which doctor sections should run?").
				Options(options...).
				Value(&selected),
		),
	)
	if err := form.Run(); err != nil {
		return nil, err
	}
	return selected, nil
}

// contains reports whether a doctor section was selected for this run.
func contains(sections []string, name string) bool {
	for _, s := range sections {
		if s == name {
			return true
		}
	}
	return false
}

// pad right-pads label to width visual columns, accounting for
// double-width runes so doctor's table-ish output stays aligned even
// when a config value contains non-ASCII text (e.g. a repo path).
func pad(label string, width int) string {
	w := runewidth.StringWidth(label)
	if w >= width {
		return label
	}
	return label + fmt.Sprintf("%*s", width-w, "")
}

// runDoctor prints a human-readable health report of the pieces a running
// orchestrator depends on, grounded on the teacher's doctor command's
// section-by-section checklist style, pointed at this domain's
// dependencies (coding-agent binary, git, worktree base dir, gateway
// reachability) instead of the teacher's provider/DB checks.
func runDoctor(sections []string) {
	fmt.Println("claps doctor")
	fmt.Printf("  %s %s (protocol %d)\n", pad("Version:", 10), Version, protocol.ProtocolVersion)
	fmt.Printf("  %s %s/%s\n", pad("OS:", 10), runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  %s %s\n", pad("Go:", 10), runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  %s %s", pad("Config:", 10), cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	if contains(sections, "binaries") {
		fmt.Println()
		fmt.Println("  Binaries:")
		checkBinary("git")
		checkBinary(cfg.Agent.BinaryPath)
	}

	if contains(sections, "state") {
		fmt.Println()
		fmt.Println("  State:")
		checkDir("Repos base dir", cfg.Repos.BaseDir)
		checkDir("State root", config.StateRoot())
	}

	if contains(sections, "channels") {
		fmt.Println()
		fmt.Println("  Channels:")
		checkChannel("GitHub", cfg.Channels.GitHub.Enabled, len(cfg.Channels.GitHub.Repos) == 0, "no repos configured")
		checkChannel("Slack", cfg.Channels.Slack.Enabled, cfg.Channels.Slack.BindAddr == "", "no bind_addr configured")
		checkChannel("LINE", cfg.Channels.Line.Enabled, cfg.Channels.Line.BindAddr == "", "no bind_addr configured")
		checkChannel("HTTP", cfg.Channels.HTTP.Enabled, false, "")
	}

	if contains(sections, "history") {
		fmt.Println()
		fmt.Println("  History:")
		fmt.Printf("    %s %s\n", pad("Mode:", 12), cfg.History.Mode)
		if cfg.History.Mode == "postgres" && cfg.Database.PostgresDSN == "" {
			fmt.Println("    WARNING: history.mode=postgres but CLAPS_POSTGRES_DSN is unset")
		}
	}

	if contains(sections, "gateway") {
		gwAddr := fmt.Sprintf("%s:%d", cfg.Gateway.BindAddr, cfg.Gateway.Port)
		fmt.Println()
		fmt.Println("  Gateway:")
		fmt.Printf("    %s %s\n", pad("Address:", 12), gwAddr)
		checkGatewayReachable(gwAddr)
	}
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND on PATH\n", name+":")
		return
	}
	fmt.Printf("    %-12s %s\n", name+":", path)
}

func checkDir(label, path string) {
	if path == "" {
		fmt.Printf("    %-16s (unset)\n", label+":")
		return
	}
	path = config.ExpandHome(path)
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("    %-16s %s (does not exist yet, created on first use)\n", label+":", path)
		return
	}
	fmt.Printf("    %-16s %s (OK)\n", label+":", path)
}

func checkChannel(name string, enabled, degraded bool, degradedReason string) {
	if !enabled {
		fmt.Printf("    %-8s disabled\n", name+":")
		return
	}
	if degraded {
		fmt.Printf("    %-8s enabled, DEGRADED (%s)\n", name+":", degradedReason)
		return
	}
	fmt.Printf("    %-8s enabled\n", name+":")
}

// checkGatewayReachable probes a running orchestrator's own gateway over
// its /health endpoint (a running gateway is a separate process from
// `doctor`, so this is best-effort and expected to fail when nothing is
// listening yet).
func checkGatewayReachable(addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		fmt.Printf("    %-12s build request failed: %s\n", "Reachable:", err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("    %-12s not running (%s)\n", "Reachable:", err)
		return
	}
	defer resp.Body.Close()
	fmt.Printf("    %-12s %s\n", "Reachable:", resp.Status)
}
