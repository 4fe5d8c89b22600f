package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/wabridge/internal/cliconfig"
)

var (
	doctorGenerateToken bool
	doctorSkipNetwork   bool
	doctorJSON          bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check config, credentials storage and event sinks",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorGenerateToken, "generate-gateway-token", false, "Generate and persist a gateway bearer token")
	doctorCmd.Flags().BoolVar(&doctorSkipNetwork, "skip-network", false, "Do not dial the Kafka brokers")
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Print the report as JSON")
	rootCmd.AddCommand(doctorCmd)
}

type doctorLine struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func runDoctor(cmd *cobra.Command, args []string) error {
	report, err := cliconfig.RunDoctorWithOptions(cliconfig.DoctorOptions{
		GenerateGatewayToken: doctorGenerateToken,
		SkipNetwork:          doctorSkipNetwork,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if doctorJSON {
		lines := make([]doctorLine, 0, len(report.Checks))
		for _, c := range report.Checks {
			lines = append(lines, doctorLine{Name: c.Name, Status: string(c.Status), Message: c.Message})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(lines); err != nil {
			return err
		}
	} else {
		printChecks(out, report)
	}

	if n := failures(report); n > 0 {
		return fmt.Errorf("doctor found %d failing check(s)", n)
	}
	return nil
}

func printChecks(out io.Writer, report cliconfig.DoctorReport) {
	marks := map[cliconfig.DoctorStatus]string{
		cliconfig.DoctorPass: color.GreenString("PASS"),
		cliconfig.DoctorWarn: color.YellowString("WARN"),
		cliconfig.DoctorFail: color.RedString("FAIL"),
	}
	var warn int
	for _, c := range report.Checks {
		if c.Status == cliconfig.DoctorWarn {
			warn++
		}
		fmt.Fprintf(out, "[%s] %s: %s\n", marks[c.Status], c.Name, c.Message)
	}
	fmt.Fprintf(out, "\n%d checks, %d warnings, %d failures\n", len(report.Checks), warn, failures(report))
}

func failures(report cliconfig.DoctorReport) int {
	n := 0
	for _, c := range report.Checks {
		if c.Status == cliconfig.DoctorFail {
			n++
		}
	}
	return n
}
