package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/streamdesk/internal/config"
	"github.com/basket/streamdesk/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var cfgp *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
	} else {
		cfgp = &cfg
	}

	diag := doctor.Run(ctx, cfgp, Version)

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		printDiagnosis(stdout, diag)
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

var statusStyles = map[string]lipgloss.Style{
	doctor.StatusPass: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	doctor.StatusWarn: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	doctor.StatusFail: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	doctor.StatusSkip: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "streamdesk doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s), %s\n---\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	for _, res := range diag.Results {
		fmt.Fprintf(w, "%s %-12s %s\n", statusStyles[res.Status].Render(fmt.Sprintf("[%s]", res.Status)), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "     %s\n", res.Detail)
		}
	}
}
