package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll with the badge factory using a one-time token",
	Long: `Exchange the enrollment token shown in the badge factory's API settings
for a client certificate. The token may be given with --token or on stdin.`,
	RunE: runEnrollCommand,
}

var deauthenticateCmd = &cobra.Command{
	Use:   "deauthenticate",
	Short: "Remove the client certificate, key and client id",
	RunE:  runDeauthenticateCommand,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the enrollment state and certificate expiry",
	RunE:  runStatusCommand,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Test the mutual TLS connection to the badge factory",
	RunE:  runPingCommand,
}

var (
	enrollToken string
	timeout     int
)

func init() {
	enrollCmd.Flags().StringVar(&enrollToken, "token", "", "Enrollment token (read from stdin when empty)")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 60, "Command timeout in seconds")

	rootCmd.AddCommand(enrollCmd, deauthenticateCmd, statusCmd, pingCmd)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
}

func runEnrollCommand(cmd *cobra.Command, args []string) error {
	token := enrollToken
	if token == "" {
		data, err := readAllStdin()
		if err != nil {
			return fmt.Errorf("failed to read token from stdin: %w", err)
		}
		token = data
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("an enrollment token is required")
	}

	comps, logger, err := setup()
	if err != nil {
		return err
	}
	defer comps.Close()

	ctx, cancel := commandContext()
	defer cancel()

	logger.WithField("api_url", comps.Config.APIURL).Info("Enrolling")
	if err := comps.Manager.Enroll(ctx, token); err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	st := comps.Manager.Status()
	fmt.Printf("Enrolled as client %s\n", st.ClientID)
	if st.ExpiresAt != nil {
		fmt.Printf("Certificate expires %s\n", st.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func runDeauthenticateCommand(cmd *cobra.Command, args []string) error {
	comps, _, err := setup()
	if err != nil {
		return err
	}
	defer comps.Close()

	ctx, cancel := commandContext()
	defer cancel()

	comps.Manager.Deauthenticate(ctx)
	fmt.Println("Client credentials removed")
	return nil
}

func runStatusCommand(cmd *cobra.Command, args []string) error {
	comps, _, err := setup()
	if err != nil {
		return err
	}
	defer comps.Close()

	return printJSON(comps.Manager.Status())
}

func runPingCommand(cmd *cobra.Command, args []string) error {
	comps, _, err := setup()
	if err != nil {
		return err
	}
	defer comps.Close()

	ctx, cancel := commandContext()
	defer cancel()

	if code, err := comps.Manager.TestConnection(ctx); err != nil {
		return fmt.Errorf("connection test failed (code %d): %w", code, err)
	}
	fmt.Println("Connection OK")
	return nil
}

func readAllStdin() (string, error) {
	info, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return "", nil
	}

	data, err := io.ReadAll(os.Stdin)
	return string(data), err
}
