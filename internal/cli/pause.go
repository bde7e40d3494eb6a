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

var pauseReason string

var pauseCmd = &cobra.Command{
	Use:   "pause [contest_id] [chain_id] [contract]",
	Short: "Stop ingestion of a stream until it is resumed",
	Args:  cobra.ExactArgs(3),
	Run:   runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [contest_id] [chain_id] [contract]",
	Short: "Resume ingestion of a paused stream",
	Args:  cobra.ExactArgs(3),
	Run:   runResume,
}

func init() {
	pauseCmd.Flags().StringVar(&pauseReason, "reason", "operator pause", "reason recorded with the state change")
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}

// streamArg builds the stream key from contest, chain and contract arguments.
func streamArg(args []string) (domain.StreamKey, error) {
	chainID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return domain.StreamKey{}, fmt.Errorf("invalid chain id: %w", err)
	}
	stream := domain.NewStreamKey(args[0], chainID, args[2])
	if err := stream.Validate(); err != nil {
		return domain.StreamKey{}, err
	}
	return stream, nil
}

func runPause(cmd *cobra.Command, args []string) {
	withStreamState(args, func(ctx context.Context, m *cursor.DefaultManager, stream domain.StreamKey) error {
		return m.Pause(ctx, stream, pauseReason)
	})
}

func runResume(cmd *cobra.Command, args []string) {
	withStreamState(args, func(ctx context.Context, m *cursor.DefaultManager, stream domain.StreamKey) error {
		return m.Resume(ctx, stream)
	})
}

// withStreamState runs change against the postgres cursor of the stream named
// by args and prints the resulting transition.
func withStreamState(args []string, change func(context.Context, *cursor.DefaultManager, domain.StreamKey) error) {
	stream, err := streamArg(args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("pause and resume need database.url")
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

	manager := cursor.NewManager(postgres.NewCursorRepo(db))
	manager.SetStateChangeCallback(func(s domain.StreamKey, t cursor.Transition) {
		fmt.Printf("%s: %s -> %s (%s)\n", s, t.From, t.To, t.Reason)
	})
	if err := change(ctx, manager, stream); err != nil {
		slog.Error("Failed to change stream state", "stream", stream.String(), "error", err)
		os.Exit(1)
	}
}
