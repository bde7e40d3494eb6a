package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/contestwatch/internal/core/cursor"
	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/infra/storage/postgres"
)

var resetCursorCmd = &cobra.Command{
	Use:   "reset-cursor [contest_id] [chain_id] [contract] [next_block]",
	Short: "Rewind or advance a stream so ingestion resumes at next_block",
	Args:  cobra.ExactArgs(4),
	Run:   runResetCursor,
}

func init() {
	rootCmd.AddCommand(resetCursorCmd)
}

// resumePosition is the cursor after which ingestion picks up at block next.
func resumePosition(next uint64) *domain.Cursor {
	if next == 0 {
		return nil
	}
	c := domain.EndOfBlock(next - 1)
	return &c
}

func runResetCursor(cmd *cobra.Command, args []string) {
	stream, err := streamArg(args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	next, err := strconv.ParseUint(args[3], 10, 64)
	if err != nil {
		fmt.Printf("Invalid block height: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	manager := cursor.NewManager(postgres.NewCursorRepo(db))
	if err := manager.Reset(ctx, stream, resumePosition(next)); err != nil {
		slog.Error("Failed to reset cursor", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully reset cursor for %s, ingestion resumes at block %d\n", stream, next)
}
