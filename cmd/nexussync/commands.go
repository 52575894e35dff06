package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/nexussync/internal/coordinator"
	"github.com/agentworkforce/nexussync/internal/device"
	"github.com/agentworkforce/nexussync/internal/errs"
)

func newConfigureCommand(flags *rootFlags) *cobra.Command {
	var serverURL, gatewayURL, deviceName string
	cmd := &cobra.Command{
		Use:     "configure",
		GroupID: "device",
		Short:   "Set the device name and server endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()

			cfg, err := e.devices.Update(func(c *device.Config) {
				if cmd.Flags().Changed("server-url") {
					c.ServerURL = strings.TrimSpace(serverURL)
				}
				if cmd.Flags().Changed("gateway-url") {
					c.GatewayURL = strings.TrimSpace(gatewayURL)
				}
				if cmd.Flags().Changed("device-name") {
					c.DeviceName = strings.TrimSpace(deviceName)
				}
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:   %s\n", cfg.DeviceID)
			fmt.Fprintf(out, "Device name: %s\n", cfg.DeviceName)
			fmt.Fprintf(out, "Server URL:  %s\n", cfg.ServerURL)
			fmt.Fprintf(out, "Gateway URL: %s\n", cfg.GatewayURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server-url", "", "nexus sync server base URL")
	cmd.Flags().StringVar(&gatewayURL, "gateway-url", "", "guardian auth gateway base URL")
	cmd.Flags().StringVar(&deviceName, "device-name", "", "human readable device name")
	return cmd
}

func newLoginCommand(flags *rootFlags) *cobra.Command {
	var passwordStdin bool
	cmd := &cobra.Command{
		Use:     "login",
		GroupID: "device",
		Short:   "Store the device password and obtain a token",
		Long: `Store the device password and authenticate against the guardian gateway.

The password is read from stdin with --password-stdin, otherwise from
NEXUSSYNC_DEVICE_PASSWORD. Logging in lifts a previous deactivation and
the failure cooldown; a server-imposed rate limit still applies.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()

			password := e.settings.DevicePassword
			if passwordStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return fmt.Errorf("%w: provide --password-stdin or NEXUSSYNC_DEVICE_PASSWORD", errs.ErrNoCredentials)
			}
			if err := e.auth.SetPassword(password); err != nil {
				return err
			}
			if _, err := e.auth.Authenticate(cmd.Context()); err != nil {
				return err
			}
			if _, err := e.devices.Update(func(c *device.Config) { c.Registered = true }); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in: %s\n", e.auth.Status())
			return nil
		},
	}
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the device password from stdin")
	return cmd
}

func newLogoutCommand(flags *rootFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "logout",
		GroupID: "device",
		Short:   "Forget the bearer token (and with --all, the device password)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()

			if !all {
				if err := e.auth.ClearToken(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Token cleared")
				return nil
			}
			if err := e.auth.ClearAll(); err != nil {
				return err
			}
			if _, err := e.devices.Update(func(c *device.Config) { c.Registered = false }); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All credentials cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also remove the stored device password")
	return cmd
}

func newHealthCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "health",
		GroupID: "device",
		Short:   "Check that the auth gateway is reachable and healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()

			if _, err := e.device.RequireGateway(); err != nil {
				return err
			}
			health, err := e.gateway.Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Gateway: %s (%s)\n", health.Status, health.Service)
			if !health.Healthy() {
				return fmt.Errorf("%w: gateway reports %q", errs.ErrServer, health.Status)
			}
			return nil
		},
	}
}

func newStatusCommand(flags *rootFlags) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "sync",
		Short:   "Show authentication and sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()

			out := cmd.OutOrStdout()
			st := e.state.State()
			fmt.Fprintf(out, "Device:            %s (%s)\n", e.device.DeviceID, e.device.DeviceName)
			fmt.Fprintf(out, "Registered:        %t\n", e.device.Registered)
			fmt.Fprintf(out, "Auth:              %s\n", e.auth.Status())
			fmt.Fprintf(out, "Last pull version: %d\n", st.LastPullVersion)
			fmt.Fprintf(out, "Last push:         %s\n", formatTime(st.LastPushAt))
			fmt.Fprintf(out, "Last sync:         %s\n", formatTime(st.LastSyncAt))
			fmt.Fprintf(out, "Pending changes:   %d\n", e.queue.Len())
			fmt.Fprintf(out, "Conflicts logged:  %d\n", len(e.state.Conflicts()))
			fmt.Fprintf(out, "Indexed media:     %d\n", e.index.Len())
			if !remote {
				return nil
			}
			if err := e.requireServer(); err != nil {
				return err
			}
			rs, err := e.remote.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Server version:    %d\n", rs.CurrentVersion)
			fmt.Fprintf(out, "Server pull mark:  %d\n", rs.DeviceLastPullVersion)
			if rs.DeviceLastPush != nil {
				fmt.Fprintf(out, "Server last push:  %s\n", rs.DeviceLastPush.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "also query the sync server's view of this device")
	return cmd
}

func newEnqueueCommand(flags *rootFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:     "enqueue",
		GroupID: "sync",
		Short:   "Queue local changes from a JSON file (object or array, - for stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()

			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			changes, err := readChanges(r)
			if err != nil {
				return err
			}
			for _, change := range changes {
				queued, err := e.coordinator.RecordLocalChange(change)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s %s v%d\n", queued.EntityType, queued.EntityID, queued.Version)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file with queued changes")
	return cmd
}

func newSyncCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "sync",
		GroupID: "sync",
		Short:   "Run one push and pull cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.requireServer(); err != nil {
				return err
			}
			report, err := e.coordinator.RunCycle(cmd.Context())
			printReport(cmd.OutOrStdout(), report)
			return err
		},
	}
}

func newConflictsCommand(flags *rootFlags) *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:     "conflicts",
		GroupID: "sync",
		Short:   "Print the conflict log as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open()
			if err != nil {
				return err
			}
			defer e.Close()

			if clear {
				return e.state.ClearConflicts()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(e.state.Conflicts())
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "empty the conflict log")
	return cmd
}

func printReport(out io.Writer, r coordinator.CycleReport) {
	fmt.Fprintf(out, "Pushed %d (accepted %d, conflicts %d, rejected deletions %d, dropped %d, requeued %d)\n",
		r.Pushed, r.Accepted, r.Conflicts, r.RejectedDeletions, r.Dropped, r.Requeued)
	fmt.Fprintf(out, "Uploads %d settled, %d failed\n", r.UploadsSettled, r.UploadsFailed)
	fmt.Fprintf(out, "Pulled %d over %d pages, cursor %d\n", r.Pulled, r.Pages, r.Cursor)
	fmt.Fprintf(out, "Downloads %d ok, %d failed\n", r.Downloaded, r.DownloadsFailed)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func logCycle(logger *zap.Logger, what string, r coordinator.CycleReport, err error) {
	fields := []zap.Field{
		zap.Int("pushed", r.Pushed),
		zap.Int("requeued", r.Requeued),
		zap.Int("pulled", r.Pulled),
		zap.Duration("duration", r.Duration),
	}
	if err != nil {
		logger.Warn(what+" failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Info(what+" completed", fields...)
}
