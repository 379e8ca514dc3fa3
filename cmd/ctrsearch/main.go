package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/feedback"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/metrics"
)

const configKey = "config"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "ctrsearch",
		Usage: "TF-IDF search with click-through-rate re-ranking",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML config file",
				EnvVars: []string{"CTRS_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Override logging level (debug, info, warn, error)",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "add",
				Usage:  "Index a document, replacing any previous version",
				Action: addCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "Document id", Required: true},
					&cli.StringFlag{Name: "content", Usage: "Document text"},
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Read document text from a file"},
				},
			},
			{
				Name:   "delete",
				Usage:  "Remove a document from the index",
				Action: deleteCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "Document id", Required: true},
				},
			},
			{
				Name:      "search",
				Usage:     "Retrieve, rank and log impressions for a query",
				ArgsUsage: "<query>",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "retrieve-k", Usage: "Candidates to retrieve (default from config)"},
					&cli.IntFlag{Name: "rank-k", Usage: "Results to return (default from config)"},
				},
			},
			{
				Name:   "click",
				Usage:  "Record a click on a previously shown result",
				Action: clickCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Required: true},
					&cli.StringFlag{Name: "doc", Aliases: []string{"d"}, Required: true},
					&cli.IntFlag{Name: "position", Aliases: []string{"p"}, Usage: "1-based display position", Required: true},
				},
			},
			{
				Name:   "train",
				Usage:  "Train the CTR model on the feedback log and save it",
				Action: trainCommand,
			},
			{
				Name:   "stats",
				Usage:  "Show index, feedback and model statistics",
				Action: statsCommand,
			},
			{
				Name:   "history",
				Usage:  "Show impression records, newest first",
				Action: historyCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Usage: "Maximum records to show (0 for all)", Value: 20},
				},
			},
			{
				Name:   "consume-clicks",
				Usage:  "Apply click events from Kafka to the feedback log",
				Action: consumeClicksCommand,
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "retrain-every", Usage: "Retrain the model on this interval (0 disables)"},
				},
			},
		},
	}
}

// setupLogger loads the config once and installs the process logger. The
// --log-level flag wins over the config file.
func setupLogger(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if lvl := strings.ToLower(c.String("log-level")); lvl != "" {
		switch lvl {
		case "debug", "info", "warn", "error":
			cfg.Logging.Level = lvl
		default:
			return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", lvl)
		}
	}
	logger.Setup(c.App.ErrWriter, cfg.Logging.Level, cfg.Logging.Format)
	if c.App.Metadata == nil {
		c.App.Metadata = make(map[string]any)
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

func loadedConfig(c *cli.Context) *config.Config {
	if cfg, ok := c.App.Metadata[configKey].(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

func withRuntime(c *cli.Context, reg prometheus.Registerer, fn func(ctx context.Context, rt *runtime) error) error {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	ctx := c.Context
	rt, err := openRuntime(ctx, loadedConfig(c), reg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func addCommand(c *cli.Context) error {
	content := c.String("content")
	if path := c.String("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		content = string(data)
	}
	if content == "" {
		return errors.New("one of --content or --file is required")
	}
	return withRuntime(c, nil, func(ctx context.Context, rt *runtime) error {
		if err := rt.engine.AddDocument(ctx, c.String("id"), content); err != nil {
			return err
		}
		if err := rt.saveIndex(ctx); err != nil {
			return err
		}
		return writeJSON(c.App.Writer, rt.index.Stats())
	})
}

func deleteCommand(c *cli.Context) error {
	return withRuntime(c, nil, func(ctx context.Context, rt *runtime) error {
		deleted, err := rt.engine.DeleteDocument(ctx, c.String("id"))
		if err != nil {
			return err
		}
		if deleted {
			if err := rt.saveIndex(ctx); err != nil {
				return err
			}
		}
		return writeJSON(c.App.Writer, map[string]bool{"deleted": deleted})
	})
}

func searchCommand(c *cli.Context) error {
	query := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(query) == "" {
		return errors.New("a query argument is required")
	}
	return withRuntime(c, nil, func(ctx context.Context, rt *runtime) error {
		retrieveK, rankK := c.Int("retrieve-k"), c.Int("rank-k")
		if retrieveK <= 0 {
			retrieveK = rt.cfg.Search.RetrieveK
		}
		if rankK <= 0 {
			rankK = rt.cfg.Search.RankK
		}
		results, err := rt.engine.Search(ctx, query, retrieveK, rankK)
		if err != nil {
			return err
		}
		return writeJSON(c.App.Writer, struct {
			Query   string          `json:"query"`
			Results []engine.Result `json:"results"`
		}{query, results})
	})
}

func clickCommand(c *cli.Context) error {
	return withRuntime(c, nil, func(ctx context.Context, rt *runtime) error {
		attributed, err := rt.engine.RecordClick(ctx, c.String("query"), c.String("doc"), c.Int("position"))
		if err != nil {
			return err
		}
		return writeJSON(c.App.Writer, map[string]bool{"attributed": attributed})
	})
}

func trainCommand(c *cli.Context) error {
	return withRuntime(c, nil, func(ctx context.Context, rt *runtime) error {
		res, err := rt.engine.Train(ctx)
		if err != nil {
			return err
		}
		slog.Info("model trained", "auc", res.AUC, "train_samples", res.TrainSamples, "test_samples", res.TestSamples)
		return writeJSON(c.App.Writer, res)
	})
}

type statsOutput struct {
	Index        index.Stats    `json:"index"`
	Feedback     feedback.Stats `json:"feedback"`
	ModelTrained bool           `json:"model_trained"`
	TrainedAt    *time.Time     `json:"model_trained_at,omitempty"`
}

func statsCommand(c *cli.Context) error {
	return withRuntime(c, nil, func(ctx context.Context, rt *runtime) error {
		ixStats, err := rt.engine.Stats()
		if err != nil {
			return err
		}
		out := statsOutput{
			Index:        ixStats,
			Feedback:     rt.feedback.Stats(),
			ModelTrained: rt.model.IsTrained(),
		}
		if s := rt.model.Snapshot(); s != nil {
			at := s.TrainedAt
			out.TrainedAt = &at
		}
		return writeJSON(c.App.Writer, out)
	})
}

func historyCommand(c *cli.Context) error {
	return withRuntime(c, nil, func(ctx context.Context, rt *runtime) error {
		records := rt.feedback.History()
		if limit := c.Int("limit"); limit > 0 && len(records) > limit {
			records = records[:limit]
		}
		return writeJSON(c.App.Writer, records)
	})
}

func consumeClicksCommand(c *cli.Context) error {
	cfg := loadedConfig(c)
	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		reg = prometheus.DefaultRegisterer
	}
	return withRuntime(c, reg, func(ctx context.Context, rt *runtime) error {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.Metrics.Enabled {
			shutdown := metrics.StartServer(cfg.Metrics.Port, rt.healthChecker().Mount)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(shutdownCtx)
			}()
		}

		if every := c.Duration("retrain-every"); every > 0 {
			go retrainLoop(ctx, rt.engine, every)
		}

		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Clicks, feedback.HandleClickEvent(rt.feedback))
		slog.Info("consuming click events", "topic", cfg.Kafka.Topics.Clicks, "brokers", cfg.Kafka.Brokers)
		return consumer.Start(ctx)
	})
}

// retrainLoop submits a background training run on every tick. Runs that
// fail for lack of data are logged by the engine and retried next tick.
func retrainLoop(ctx context.Context, e *engine.Engine, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.TrainAsync(ctx, nil); err != nil {
				slog.Error("scheduling retrain", "error", err)
			}
		}
	}
}
