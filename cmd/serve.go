package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"obf-bridge/internal/api"
	"obf-bridge/internal/database"
	"obf-bridge/internal/enrollment"
	"obf-bridge/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local admin API",
	Long: `Serve enrollment, status and badge operations over HTTP under /api/v1,
with a websocket feed of bridge events at /api/v1/ws. Requests must carry an
HS256 bearer token when admin_api.jwt_secret is set.`,
	RunE: runServeCommand,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServeCommand(cmd *cobra.Command, args []string) error {
	comps, logger, err := setup()
	if err != nil {
		return err
	}
	defer comps.Close()

	if !comps.Config.AdminAPI.Enabled {
		logger.Warn("admin_api.enabled is false, serving anyway because serve was requested")
	}
	if comps.Config.AdminAPI.JWTSecret == "" {
		logger.Warn("Admin API has no jwt_secret, requests are not authenticated")
	}

	server, err := api.NewServerFromComponents(comps, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := comps.Manager.Status()
	logging.NewComponentLogger(logger, "serve").WithFields(logrus.Fields{
		"client_id": st.ClientID,
		"enrolled":  st.Enrolled,
	}).Info("Bridge starting up")

	return server.Start(ctx)
}

// bridge is what badge commands get: wired components and a deadline
type bridge struct {
	comps  *enrollment.Components
	logger *logrus.Logger
	ctx    context.Context
}

// record appends to the issuance log; failures only warn since the remote
// call already went through
func (b *bridge) record(action, badgeID, eventID string, recipients []string) {
	err := b.comps.RecordIssuance(&database.IssuanceRecord{
		ClientID:   b.comps.Auth.GetClientID(),
		BadgeID:    badgeID,
		Action:     action,
		Recipients: recipients,
		EventID:    eventID,
	})
	if err != nil {
		logging.LogStorageError(b.logger, err, "record_issuance", true)
	}
}

// withClient adapts a badge command to run with wired components
func withClient(run func(cmd *cobra.Command, args []string, b *bridge) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		comps, logger, err := setup()
		if err != nil {
			return err
		}
		defer comps.Close()

		ctx, cancel := commandContext()
		defer cancel()

		if err := run(cmd, args, &bridge{comps: comps, logger: logger, ctx: ctx}); err != nil {
			return fmt.Errorf("%s: %w", cmd.Name(), err)
		}
		return nil
	}
}
