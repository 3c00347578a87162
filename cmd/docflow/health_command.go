package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/stage"
	"docflow/internal/stages/classify"
	"docflow/internal/stages/extract"
	"docflow/internal/stages/preprocess"
	"docflow/internal/stages/recognize"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check pipeline stage and database health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			logger := logging.NewNop()

			checks := []stage.Health{
				preprocess.New(cfg, logger).HealthCheck(cmd.Context()),
				recognize.New(cfg, logger).HealthCheck(cmd.Context()),
				classify.New(cfg, logger).HealthCheck(cmd.Context()),
				extract.New(cfg, logger).HealthCheck(cmd.Context()),
			}

			for _, line := range renderSectionHeader("Pipeline stages", colorize) {
				fmt.Fprintln(out, line)
			}
			healthy := true
			for _, check := range checks {
				kind := statusOK
				if !check.Ready {
					kind = statusError
					healthy = false
				}
				fmt.Fprintln(out, renderStatusLine(titleCaser.String(check.Name), kind, check.Detail, colorize))
			}

			fmt.Fprintln(out)
			for _, line := range renderSectionHeader("Database", colorize) {
				fmt.Fprintln(out, line)
			}
			if err := ctx.withStore(func(store *queue.Store) error {
				db, err := store.CheckHealth(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderStatusLine("Path", statusInfo, db.DBPath, colorize))
				fmt.Fprintln(out, renderStatusLine("Readable", boolKind(db.DatabaseReadable), yesNo(db.DatabaseReadable), colorize))
				fmt.Fprintln(out, renderStatusLine("Table present", boolKind(db.TableExists), yesNo(db.TableExists), colorize))
				integrityOK := db.IntegrityCheck
				fmt.Fprintln(out, renderStatusLine("Integrity", boolKind(integrityOK), yesNo(integrityOK), colorize))
				fmt.Fprintln(out, renderStatusLine("Documents", statusInfo, fmt.Sprintf("%d", db.TotalDocuments), colorize))
				if db.Error != "" {
					fmt.Fprintln(out, renderStatusLine("Error", statusError, db.Error, colorize))
					healthy = false
				}
				if !db.DatabaseReadable || !db.TableExists || !integrityOK {
					healthy = false
				}
				return nil
			}); err != nil {
				return err
			}

			if !healthy {
				return fmt.Errorf("one or more health checks failed")
			}
			return nil
		},
	}
}

func boolKind(ok bool) statusKind {
	if ok {
		return statusOK
	}
	return statusError
}
