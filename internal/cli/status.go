package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/contestwatch/internal/core/cursor"
	"github.com/vietddude/contestwatch/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cursor of every ingested stream",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("status needs database.url")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	cursors, err := postgres.NewCursorRepo(db).List(ctx)
	if err != nil {
		slog.Error("Failed to list cursors", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STREAM\tSTATE\tPOSITION\tLATEST\tUPDATED\tDESCRIPTION")

	for _, c := range cursors {
		position, latest := "-", "-"
		if c.Position != nil {
			position = c.Position.String()
		}
		if c.LatestBlock != nil {
			latest = fmt.Sprintf("%d", c.LatestBlock.Number)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Stream, c.State, position, latest, c.UpdatedAt.Format(time.RFC3339), cursor.StateDescription(c.State))
	}
	_ = w.Flush()
}
