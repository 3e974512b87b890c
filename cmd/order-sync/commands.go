package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/gateway"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/syncengine"
	"github.com/mmdatafocus/ordersync/watermark"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const connectAttempts = 5

var errNoDatabase = errors.New("database not initialized")

func connect(ctx context.Context, withRedis bool) (*gorm.DB, error) {
	if err := config.ConnectDatabaseWithRetry(connectAttempts); err != nil {
		return nil, err
	}
	if withRedis {
		// The engine runs without redis; only the lot cache and push lock use it.
		if err := config.ConnectRedisWithRetry(ctx, 3); err != nil {
			config.GetLogger().WithFields(logrus.Fields{"field": "redis"}).Warn("running without redis: " + err.Error())
		}
	}
	db := config.GetDB()
	if db == nil {
		return nil, errNoDatabase
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func newEngine(ctx context.Context) (*syncengine.Engine, *gorm.DB, error) {
	db, err := connect(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	client, err := gateway.NewClientFromEnv()
	if err != nil {
		closeDB(db)
		return nil, nil, err
	}
	return syncengine.New(db, client, config.LoadEngineSettings(), config.GetLogger()), db, nil
}

// parseStreams accepts one stream id or "all".
func parseStreams(raw string) ([]models.StreamID, error) {
	if raw == "all" {
		return models.AllStreams(), nil
	}
	stream, err := models.ParseStreamID(raw)
	if err != nil {
		return nil, err
	}
	return []models.StreamID{stream}, nil
}

func newRunCommand() *cobra.Command {
	var streamFlag string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one cycle of a stream, or of every stream concurrently",
		Long: `Run one cycle and print its report as JSON.

Exit status is 0 for ok or skipped, 2 for partial and 1 for failed or halted.
With --stream all the worst status across streams decides.

Example:
  order-sync run --stream order_status
  order-sync run --stream all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			streams, err := parseStreams(streamFlag)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			engine, db, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer closeDB(db)
			return runStreams(ctx, engine, streams)
		},
	}
	cmd.Flags().StringVar(&streamFlag, "stream", "", "stream id (order_status|backfill|tracking_status|anomalies) or all")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

func runStreams(ctx context.Context, engine syncengine.CycleRunner, streams []models.StreamID) error {
	var (
		mu      sync.Mutex
		reports = make([]syncengine.CycleReport, len(streams))
		codes   = make([]int, len(streams))
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, stream := range streams {
		i, stream := i, stream
		g.Go(func() error {
			rep, err := engine.RunCycle(gctx, stream, models.TriggeredByCLI)
			code := syncengine.ExitCode(rep.Status)
			if err != nil {
				code = 1
				config.LogError(config.GetLogger(), "order-sync", "run", "cycle", string(stream), err)
			}
			mu.Lock()
			reports[i] = rep
			codes[i] = code
			mu.Unlock()
			// One stream failing must not cancel its siblings.
			return nil
		})
	}
	_ = g.Wait()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		return err
	}
	if code := worstExitCode(codes); code != 0 {
		return exitError{code: code}
	}
	return nil
}

// worstExitCode ranks failed above partial above ok.
func worstExitCode(codes []int) int {
	worst := 0
	for _, c := range codes {
		switch {
		case c == 1:
			return 1
		case c == 2:
			worst = 2
		}
	}
	return worst
}

func newPublishCommand() *cobra.Command {
	var streamFlag string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a cycle request to the Pub/Sub topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			streams, err := parseStreams(streamFlag)
			if err != nil {
				return err
			}
			for _, stream := range streams {
				id, err := syncengine.PublishCycleRequest(cmd.Context(), stream, models.TriggeredByCLI)
				if err != nil {
					return fmt.Errorf("publish %s: %w", stream, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s (message_id=%s)\n", stream, config.CycleTopicName(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&streamFlag, "stream", "", "stream id or all")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

func newResumeCommand() *cobra.Command {
	var streamFlag string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Clear the halt left by a fatal failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := models.ParseStreamID(streamFlag)
			if err != nil {
				return err
			}
			db, err := connect(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeDB(db)

			store := watermark.NewStore(db)
			wm, err := store.Read(cmd.Context(), stream)
			if err != nil {
				return err
			}
			if !wm.Halted() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not halted\n", stream)
				return nil
			}
			if err := store.Resume(cmd.Context(), stream); err != nil {
				return err
			}
			config.GetLogger().WithFields(logrus.Fields{
				"field":       "resume",
				"stream":      string(stream),
				"halt_reason": wm.HaltReason,
			}).Info("stream resumed")
			fmt.Fprintf(cmd.OutOrStdout(), "%s resumed (was halted: %s)\n", stream, wm.HaltReason)
			return nil
		},
	}
	cmd.Flags().StringVar(&streamFlag, "stream", "", "stream id")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the sync tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeDB(db)
			if err := models.MigrateTable(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
