package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-gate/agentgate-go/internal/vaultrpc"
)

var (
	doctorCmd = &cobra.Command{
		Use:   "doctor",
		Short: "Check broker health: socket, vault file, permissions",
		Long: `Run the checks an operator needs when the broker misbehaves:
- vault socket reachable and answering pings
- vault file present with owner-only permissions
- audit and outbox directories present with owner-only permissions

Examples:
  agentgate doctor
  agentgate doctor --output=json`,
		RunE: runDoctor,
	}

	doctorOutput string
)

// GetDoctorCommand returns the doctor command.
func GetDoctorCommand() *cobra.Command {
	return doctorCmd
}

func init() {
	doctorCmd.Flags().StringVarP(&doctorOutput, "output", "o", "pretty", "Output format (pretty, json)")
}

type doctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

func runDoctor(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := loadBrokerConfig()
	if err != nil {
		return err
	}

	var checks []doctorCheck

	client := vaultrpc.NewClient(cfg.Vault.SocketPath)
	if perr := client.Ping(ctx); perr != nil {
		checks = append(checks, doctorCheck{
			Name:   "vault socket",
			Detail: fmt.Sprintf("%s: %v (is the broker running?)", cfg.Vault.SocketPath, perr),
		})
	} else {
		checks = append(checks, doctorCheck{Name: "vault socket", OK: true, Detail: cfg.Vault.SocketPath})
	}

	checks = append(checks, checkOwnerOnly("vault file", cfg.Vault.Path))
	checks = append(checks, checkOwnerOnly("audit directory", cfg.Audit.Dir))
	checks = append(checks, checkOwnerOnly("outbox directory", cfg.Outbox.Dir))

	if doctorOutput == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(checks); err != nil {
			return err
		}
	} else {
		for _, c := range checks {
			mark := "FAIL"
			if c.OK {
				mark = "ok"
			}
			fmt.Printf("%-18s %-4s %s\n", c.Name, mark, c.Detail)
		}
	}

	for _, c := range checks {
		if !c.OK {
			return fmt.Errorf("%d of %d checks failed", countFailed(checks), len(checks))
		}
	}
	return nil
}

func countFailed(checks []doctorCheck) int {
	n := 0
	for _, c := range checks {
		if !c.OK {
			n++
		}
	}
	return n
}

// checkOwnerOnly verifies the path exists and grants nothing to group or
// world. Permission bits are advisory on Windows.
func checkOwnerOnly(name, path string) doctorCheck {
	info, err := os.Stat(path)
	if err != nil {
		return doctorCheck{Name: name, Detail: fmt.Sprintf("%s: %v", path, err)}
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return doctorCheck{
			Name:   name,
			Detail: fmt.Sprintf("%s has mode %o, expected owner-only", path, info.Mode().Perm()),
		}
	}
	return doctorCheck{Name: name, OK: true, Detail: path}
}
