package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/auth"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show fleet-wide statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats models.FleetStatistics
			if err := client().do(cmd.Context(), "GET", "/api/v1/fleet/statistics", nil, nil, &stats); err != nil {
				return err
			}
			if done, err := printJSON(cmd.OutOrStdout(), stats); done {
				return err
			}
			printStats(cmd.OutOrStdout(), &stats)
			return nil
		},
	}
}

func printStats(out io.Writer, s *models.FleetStatistics) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Machines:\t%d\n", s.TotalMachines)
	fmt.Fprintf(w, "  online\t%d\n", s.OnlineMachines)
	fmt.Fprintf(w, "  offline\t%d\n", s.OfflineMachines)
	fmt.Fprintf(w, "  deploying\t%d\n", s.DeployingMachines)
	fmt.Fprintf(w, "  error\t%d\n", s.ErrorMachines)
	fmt.Fprintf(w, "  maintenance\t%d\n", s.MaintenanceMachines)
	fmt.Fprintf(w, "Average compliance:\t%.1f\n", s.AverageCompliance)
	fmt.Fprintf(w, "Needing attention:\t%d\n", s.MachinesNeedingAttention)
	fmt.Fprintf(w, "Active deployments:\t%d\n", s.ActiveDeployments)
	fmt.Fprintf(w, "Completed today:\t%d\n", s.DeploymentsCompletedToday)
	fmt.Fprintf(w, "Failed today:\t%d\n", s.DeploymentsFailedToday)
	w.Flush()
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [channel]...",
		Short: "Stream live fleet events",
		Long: fmt.Sprintf(`Subscribe to live events and print them as they arrive.
Channels: %s. Without arguments every channel is watched.`, strings.Join(models.Channels, ", ")),
		RunE: func(cmd *cobra.Command, args []string) error {
			channels := args
			if len(channels) == 0 {
				channels = models.Channels
			}
			for _, c := range channels {
				if !models.ValidChannel(c) {
					return fmt.Errorf("unknown channel %q", c)
				}
			}

			wsURL, err := client().websocketURL()
			if err != nil {
				return err
			}
			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL, nil)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
			}
			defer conn.Close()

			if err := conn.WriteJSON(models.ClientMessage{Type: models.ClientSubscribe, Channels: channels}); err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(interrupt)

			done := make(chan error, 1)
			go func() {
				done <- streamEvents(conn, cmd.OutOrStdout())
			}()

			select {
			case err := <-done:
				return err
			case <-interrupt:
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
		},
	}
}

// streamEvents prints frames until the connection closes
func streamEvents(conn *websocket.Conn, out io.Writer) error {
	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		if outputFormat == "json" {
			line, _ := json.Marshal(msg)
			fmt.Fprintln(out, string(line))
			continue
		}
		fmt.Fprintln(out, formatEvent(msg))
	}
}

func formatEvent(msg models.Message) string {
	ts := msg.Timestamp.Local().Format(time.TimeOnly)
	if msg.Error != "" {
		return fmt.Sprintf("%s error %s", ts, msg.Error)
	}

	channel := msg.Channel
	if channel == "" {
		channel = "-"
	}
	data, _ := json.Marshal(msg.Data)
	return fmt.Sprintf("%s [%s] %s %s", ts, channel, msg.MessageType, data)
}

func newLoginCmd() *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange operator credentials for a token",
		Long: `Log in and print a bearer token. Export it as FLEET_TOKEN or pass it
with --token on later calls. The password is read from stdin when --password
is not given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return errors.New("--username is required")
			}
			if password == "" {
				var err error
				password, err = readLine(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
			}

			var resp models.LoginResponse
			req := models.LoginRequest{Username: username, Password: password}
			if err := client().do(cmd.Context(), "POST", "/api/v1/auth/login", nil, req, &resp); err != nil {
				return err
			}
			if done, err := printJSON(cmd.OutOrStdout(), resp); done {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			fmt.Fprintf(cmd.ErrOrStderr(), "Logged in as %s (%s), token expires %s\n",
				resp.Username, resp.Role, resp.ExpiresAt.Local().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "operator username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "operator password")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash of a password for the server configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				var err error
				if password, err = readLine(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
			}
			if password == "" {
				return errors.New("password must not be empty")
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
