package main

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"agent-console/internal/session"
)

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List supported agent providers and whether their CLI is installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, name := range session.Providers() {
				p, err := session.LookupProvider(name)
				if err != nil {
					return err
				}
				path, err := exec.LookPath(p.Executable)
				if err != nil {
					path = "not found"
				}
				fmt.Fprintf(out, "%-10s %-10s %s\n", p.Name, p.Executable, path)
			}
			return nil
		},
	}
}
