package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/errgroup"

	"github.com/o-peregudov/mqmx/internal/config"
	"github.com/o-peregudov/mqmx/internal/db"
	"github.com/o-peregudov/mqmx/internal/stats"
	"github.com/o-peregudov/mqmx/lib/message"
	"github.com/o-peregudov/mqmx/lib/pool"
	"github.com/o-peregudov/mqmx/lib/workqueue"
)

const tickMID message.MessageID = 1

// tick is the payload pushed by demo producers
type tick struct {
	Producer int
	Seq      int64
}

// producer pushes ticks into its own pool queue from periodic work
type producer struct {
	index int
	queue *pool.Queue
	seq   int64
}

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file (TOML)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "config_file", *configFile)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging).With("instance", uuid.NewString())
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("mqmxd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting mqmxd",
		"pool", cfg.Pool.Name,
		"workqueue", cfg.WorkQueue.Name,
		"producers", cfg.Demo.Producers)

	logger.Info("opening journal", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer database.Close()

	p, err := pool.New(cfg.Pool, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	wq, err := workqueue.New(cfg.WorkQueue, logger)
	if err != nil {
		return err
	}
	defer wq.KillWorker()

	collector, err := stats.NewCollector(cfg.Stats, stats.NewDBAdapter(database), p, wq, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(); err != nil {
		return err
	}
	defer collector.Stop()

	client := wq.ClientID()
	producers, err := startProducers(cfg.Demo, p, wq, client, collector, logger)
	if err != nil {
		return err
	}
	defer func() {
		wq.CancelClientWorks(client)
		for _, pr := range producers {
			pr.queue.Close()
		}
	}()

	logger.Info("mqmxd is running")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("shutting down gracefully", "signal", sig.String())
	return nil
}

// startProducers allocates one queue per producer and schedules its ticks
func startProducers(cfg config.DemoConfig, p *pool.Pool, wq *workqueue.WorkQueue, client workqueue.ClientID,
	collector *stats.Collector, logger *slog.Logger) ([]*producer, error) {

	producers := make([]*producer, cfg.Producers)

	var g errgroup.Group
	for i := range producers {
		g.Go(func() error {
			log := logger.With("producer", i)
			q, err := p.AllocateQueue(func(msg *message.Message) error {
				t, ok := message.PayloadAs[tick](msg)
				if !ok {
					return fmt.Errorf("unexpected payload in %s", msg)
				}
				log.Debug("tick", "qid", msg.QueueID(), "seq", t.Seq)
				return nil
			})
			if err != nil {
				return fmt.Errorf("producer %d: %w", i, err)
			}
			producers[i] = &producer{index: i, queue: q}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, pr := range producers {
			if pr != nil {
				pr.queue.Close()
			}
		}
		return nil, err
	}

	start := wq.Now()
	for _, pr := range producers {
		// seq is only touched by the work queue worker
		_, err := wq.ScheduleWork(client, func(workqueue.WorkID) bool {
			pr.seq++
			if err := pr.queue.Push(pr.queue.NewMessage(tickMID, tick{Producer: pr.index, Seq: pr.seq})); err != nil {
				logger.Warn("tick rejected", "producer", pr.index, "error", err)
				return false
			}
			return true
		}, start.Add(cfg.Interval), cfg.Interval)
		if err != nil {
			wq.CancelClientWorks(client)
			for _, pr := range producers {
				pr.queue.Close()
			}
			return nil, fmt.Errorf("producer %d: %w", pr.index, err)
		}

		collector.Watch(stats.SourceMailbox, fmt.Sprintf("producer-%d", pr.index), func() map[string]int64 {
			s := pr.queue.Stats()
			return map[string]int64{
				"pushed":    s.TotalPushed,
				"popped":    s.TotalPopped,
				"rejected":  s.RejectedCount,
				"depth":     int64(s.CurrentDepth),
				"max_depth": int64(s.MaxDepthSeen),
			}
		})
	}

	return producers, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
