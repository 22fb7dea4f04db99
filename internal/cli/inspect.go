package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/session"
)

var errSessionNotFound = errors.New("session not found")

var inspectSQLite string

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectSQLite, "sqlite", "trifecta.db", "Path to the gate's SQLite session database")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [session_id]",
	Short: "Show persisted session state",
	Long:  "Reads sessions from an existing SQLite session database, opened read-only.\nWith no session id every session is listed.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	db, err := session.OpenSQLiteReadOnly(inspectSQLite)
	if err != nil {
		return err
	}
	store := session.NewSQLStore(session.SQLStoreConfig{DB: db, Dialect: session.SQLite, Logger: zap.NewNop()})
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	var view any
	if len(args) == 1 {
		rec, err := store.Load(ctx, args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("%w: %s", errSessionNotFound, args[0])
		}
		view = session.NewSnapshot(rec)
	} else {
		recs, err := store.List(ctx)
		if err != nil {
			return err
		}
		snaps := make([]*session.Snapshot, 0, len(recs))
		for _, rec := range recs {
			snaps = append(snaps, session.NewSnapshot(rec))
		}
		view = map[string]any{"sessions": snaps}
	}

	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
