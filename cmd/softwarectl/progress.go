package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func progressCmd(c clientFunc) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Follow the progress of the running transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			return c().follow(cmd.Context(), func(event progressEvent) bool {
				fmt.Fprintln(out, formatProgress(event))
				return !once
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Print the current state and exit")
	return cmd
}

func formatProgress(event progressEvent) string {
	s := event.State

	if s.OperationID == "" {
		return "idle"
	}

	line := fmt.Sprintf("%s step %d %3d%%", s.OperationID, s.CurrentStep, s.Percent)

	if s.Rate >= 0 {
		line += fmt.Sprintf(" %d B/s", s.Rate)
	}

	if s.Description != "" {
		line += " " + s.Description
	}

	return line
}
