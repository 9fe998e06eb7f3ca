package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-uploadqueue/upload"
	"github.com/bitrise-io/go-uploadqueue/upload/queue"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

func main() {
	os.Exit(run())
}

func run() int {
	priority := flag.Int("priority", queue.DefaultPriority, "priority of the queued files (1-10)")
	list := flag.Bool("list", false, "list the resumable sessions on the server and exit")
	discard := flag.Bool("discard", false, "discard the sessions given as arguments and exit")
	verbose := flag.Bool("verbose", false, "enable debug logs")
	flag.Parse()

	logger := log.NewLogger()
	logger.EnableDebugLog(*verbose)

	cfg, err := upload.NewConfig(env.NewRepository())
	if err != nil {
		logger.Errorf("Invalid configuration: %s", err)
		return 1
	}
	logger.Debugf("Configuration: %+v", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := upload.NewService(ctx, cfg, queue.Options{
		OnTaskComplete: func(task queue.Task) {
			logger.Donef("%s uploaded: %s", task.File.Name(), task.Result.DownloadLink)
		},
		OnTaskFailed: func(task queue.Task, err error) {
			logger.Errorf("%s failed after %d attempts: %s", task.File.Name(), task.Retries, err)
		},
	}, logger)
	if err != nil {
		logger.Errorf("%s", err)
		return 1
	}

	switch {
	case *list:
		return listSessions(ctx, service, logger)
	case *discard:
		if err := service.DiscardSessions(ctx, flag.Args()); err != nil {
			logger.Errorf("Failed to discard sessions: %s", err)
			return 1
		}
		logger.Donef("Discarded %d sessions", flag.NArg())
		return 0
	}

	if flag.NArg() == 0 {
		logger.Errorf("Usage: uploadqueue [flags] <path or glob or url>...")
		return 2
	}

	if restored := service.Queue.RestoredTasks(); len(restored) > 0 {
		logger.Infof("%d tasks from a previous run are known", len(restored))
	}

	if _, err := service.AddFiles(ctx, flag.Args(), *priority); err != nil {
		logger.Errorf("%s", err)
		return 1
	}
	service.Queue.Start()

	done := make(chan error, 1)
	go func() { done <- service.Queue.Wait(ctx) }()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if err != nil {
				logger.Warnf("Interrupted, cancelling uploads")
				service.Queue.CancelAll(context.Background())
			}
			return summary(service.Queue.Statistics(), logger)
		case <-ticker.C:
			printProgress(service.Queue.Statistics(), logger)
		}
	}
}

func printProgress(stats queue.Statistics, logger log.Logger) {
	logger.Infof("%d/%d done, %.1f%% at %s/s, about %s left",
		stats.Completed, stats.Total, stats.TotalProgress,
		units.HumanSize(stats.CurrentBandwidth), stats.EstimatedTime.Round(time.Second))
}

func summary(stats queue.Statistics, logger log.Logger) int {
	logger.Println()
	logger.Infof("Completed: %d, failed: %d, cancelled or pending: %d", stats.Completed, stats.Failed, stats.Pending+stats.Paused)
	if stats.Failed > 0 || stats.Completed < stats.Total {
		return 1
	}
	return 0
}

func listSessions(ctx context.Context, service *upload.Service, logger log.Logger) int {
	sessions, err := service.Sessions(ctx)
	if err != nil {
		logger.Errorf("Failed to list sessions: %s", err)
		return 1
	}
	if len(sessions) == 0 {
		logger.Infof("No resumable sessions")
		return 0
	}

	for _, session := range sessions {
		fmt.Printf("%s\t%s\t%s\t%d/%d chunks\t%s remaining\n",
			session.ID, session.FileName, session.Status,
			session.UploadedChunks, session.TotalChunks,
			units.HumanSizeWithPrecision(float64(session.RemainingSize), 3))
	}
	return 0
}
