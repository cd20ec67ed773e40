package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type clientFunc func() *client

func statusCmd(c clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the available system update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c().status(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), formatStatus(s))
			return nil
		},
	}
}

func formatStatus(s *systemStatus) string {
	var b strings.Builder

	if s.SystemUpdate.Version == "" {
		fmt.Fprintf(&b, "%-14s %s\n", "update", "none")
	} else {
		fmt.Fprintf(&b, "%-14s %s %s\n", "update", s.SystemUpdate.ArtifactType, s.SystemUpdate.Version)
		fmt.Fprintf(&b, "%-14s %d bytes\n", "size", s.SystemUpdate.DownloadSize)
	}

	lastCheck := "never"
	if s.LastCheckForUpdates > 0 {
		lastCheck = time.UnixMilli(s.LastCheckForUpdates).Format(time.RFC3339)
	}
	fmt.Fprintf(&b, "%-14s %s\n", "last check", lastCheck)
	fmt.Fprintf(&b, "%-14s %t\n", "applying", s.Applying)

	if s.TargetVersion != "" {
		fmt.Fprintf(&b, "%-14s %s\n", "target", s.TargetVersion)
	}

	return b.String()
}

func checkCmd(c clientFunc) *cobra.Command {
	var updateType string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask every update source for a newer system update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var preferred int
			switch updateType {
			case "incremental":
				preferred = 1
			case "recovery":
				preferred = 2
			default:
				return fmt.Errorf("unknown update type %q", updateType)
			}

			_, err := c().operation(cmd.Context(), "/system/update/check", map[string]int{"preferredType": preferred})
			if err != nil {
				return err
			}

			s, err := c().status(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), formatStatus(s))
			return nil
		},
	}

	cmd.Flags().StringVar(&updateType, "type", "recovery", "Preferred update type (incremental or recovery)")
	return cmd
}

func downloadCmd(c clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Download the available system update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c().operation(cmd.Context(), "/system/update/download", nil)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s finished\n", r.Operation)
			return nil
		},
	}
}

func applyCmd(c clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Apply the downloaded system update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c().operation(cmd.Context(), "/system/update/apply", nil)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s finished\n", r.Operation)
			return nil
		},
	}
}

func cacheCmd(c clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage downloaded updates",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clean",
		Short: "Remove every download but the available update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c().do(cmd.Context(), http.MethodPost, "/system/cache/clean", nil, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every download",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c().do(cmd.Context(), http.MethodPost, "/system/cache/clear", nil, nil)
		},
	})

	return cmd
}

func targetCmd(c clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Pin the system version the device should run",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <version>",
		Short: "Update to version as soon as it is available",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := &systemStatus{}
			err := c().do(cmd.Context(), http.MethodPut, "/system/update/target", map[string]string{"version": args[0]}, s)
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), formatStatus(s))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unset",
		Short: "Stop following a target version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c().do(cmd.Context(), http.MethodDelete, "/system/update/target", nil, nil)
		},
	})

	return cmd
}
