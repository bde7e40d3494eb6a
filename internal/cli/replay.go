package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/contestwatch/internal/core/domain"
	redisclient "github.com/vietddude/contestwatch/internal/infra/redis"
	"github.com/vietddude/contestwatch/internal/jobs/dispatcher"
	"github.com/vietddude/contestwatch/internal/jobs/queue"
)

var (
	replayContract string
	replayActor    string
)

var replayCmd = &cobra.Command{
	Use:   "replay [contest_id] [chain_id] [range...]",
	Short: "Queue replay jobs for block ranges (e.g. 100-200 400-410)",
	Args:  cobra.MinimumNArgs(3),
	Run:   runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayContract, "contract", "", "replay only this contract (default: every stream of the contest on the chain)")
	replayCmd.Flags().StringVar(&replayActor, "actor", os.Getenv("USER"), "operator recorded on the replay")
	rootCmd.AddCommand(replayCmd)
}

// parseRanges parses and merges the block range arguments.
func parseRanges(args []string) ([]domain.BlockRange, error) {
	ranges := make([]domain.BlockRange, 0, len(args))
	for _, a := range args {
		r, err := domain.ParseBlockRange(a)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return domain.MergeRanges(ranges), nil
}

func runReplay(cmd *cobra.Command, args []string) {
	chainID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Invalid chain id: %v\n", err)
		os.Exit(1)
	}
	ranges, err := parseRanges(args[2:])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	cfg := loadConfig()
	if cfg.Queue.Backend != "redis" {
		slog.Error("replay needs the redis queue backend", "backend", cfg.Queue.Backend)
		os.Exit(1)
	}

	rc, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = rc.Close()
	}()

	ctx := context.Background()
	client := queue.NewClient(queue.NewRedisBackend(rc.Redis(), cfg.Queue.Prefix), queue.Config{}, slog.Default())
	if err := client.Start(ctx); err != nil {
		slog.Error("Failed to start queue", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Stop(stopCtx)
	}()

	d := dispatcher.New(client, slog.Default())
	scope := fmt.Sprintf("%s:%d", args[0], chainID)
	if replayContract != "" {
		scope = domain.NewStreamKey(args[0], chainID, replayContract).String()
	}

	for _, r := range ranges {
		id, err := d.DispatchReplay(ctx, dispatcher.ReplayRequest{
			ContestID:   args[0],
			ChainID:     chainID,
			Contract:    replayContract,
			FromBlock:   r.FromBlock,
			ToBlock:     r.ToBlock,
			Reason:      dispatcher.ReasonOperator,
			RequestedBy: replayActor,
		}, queue.WithSingletonKey(fmt.Sprintf("replay:%s:%s", scope, r)))
		if err != nil {
			slog.Error("Failed to queue replay", "range", r.String(), "error", err)
			os.Exit(1)
		}
		fmt.Printf("Queued replay %s for blocks %s\n", id, r)
	}
}
