// Package main provides the retriever operator CLI.
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
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/his0si/retriever-project-lite/internal/app"
	"github.com/his0si/retriever-project-lite/internal/config"
	"github.com/his0si/retriever-project-lite/internal/sites"
	"github.com/his0si/retriever-project-lite/internal/tasks"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "retriever-sync",
	Short:         "Crawl and index university web pages",
	Long:          "Operator CLI for crawling sites into the Qdrant index and inspecting what is stored.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var crawlCmd = &cobra.Command{
	Use:   "crawl <url>",
	Short: "Crawl a site and index changed pages",
	Long: `Crawls same-host links breadth-first from <url> and processes every visited
page, waiting until all processing tasks have finished.

Environment variables:
  OPENAI_API_KEY  OpenAI API key for embeddings (required)
  QDRANT_HOST     Qdrant hostname (default: localhost)
  QDRANT_PORT     Qdrant gRPC port (default: 6334)`,
	Args: cobra.ExactArgs(1),
	RunE: runCrawl,
}

var autoCrawlCmd = &cobra.Command{
	Use:   "auto-crawl",
	Short: "Crawl every enabled site in the site registry",
	Args:  cobra.NoArgs,
	RunE:  runAutoCrawl,
}

var processCmd = &cobra.Command{
	Use:   "process <url>",
	Short: "Index a single page if its content changed",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcess,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show document count and recent updates",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var searchURLCmd = &cobra.Command{
	Use:   "search-url <prefix>",
	Short: "List indexed chunks whose URL starts with <prefix>",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearchURL,
}

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "Inspect and edit the auto-crawl site registry",
}

var sitesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registry sites",
	Args:  cobra.NoArgs,
	RunE:  runSitesList,
}

var sitesToggleCmd = &cobra.Command{
	Use:   "toggle <name>",
	Short: "Enable or disable a registry site",
	Args:  cobra.ExactArgs(1),
	RunE:  runSitesToggle,
}

var crawlDepth int

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional config file")
	crawlCmd.Flags().IntVar(&crawlDepth, "depth", -1, "maximum link depth (default: crawler.max_depth)")

	sitesCmd.AddCommand(sitesListCmd, sitesToggleCmd)
	rootCmd.AddCommand(crawlCmd, autoCrawlCmd, processCmd, statusCmd, searchURLCmd, sitesCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := app.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func buildApp(ctx context.Context, needOpenAI bool) (*app.App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if needOpenAI && cfg.OpenAI.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required for indexing")
	}
	return app.Build(ctx, cfg, logger)
}

// runToCompletion runs the pool until the task from submit and everything it
// queued have finished, then returns the task's final state.
func runToCompletion(ctx context.Context, a *app.App, submit func(context.Context) (tasks.Task, error)) (tasks.Task, error) {
	if err := a.Gateway.EnsureCollection(ctx); err != nil {
		return tasks.Task{}, fmt.Errorf("ensure collection: %w", err)
	}

	poolCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Pool.Run(poolCtx)
	}()
	defer func() {
		stop()
		<-done
	}()

	t, err := submit(ctx)
	if err != nil {
		return tasks.Task{}, err
	}
	if err := a.Pool.Drain(ctx); err != nil {
		return tasks.Task{}, fmt.Errorf("wait for tasks: %w", err)
	}
	return a.Tasks.Get(context.WithoutCancel(ctx), t.ID)
}

func runCrawl(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	var depth *int
	if crawlDepth >= 0 {
		depth = &crawlDepth
	}
	start := time.Now()
	t, err := runToCompletion(ctx, a, func(ctx context.Context) (tasks.Task, error) {
		return a.Service.TriggerCrawl(ctx, args[0], depth)
	})
	if err != nil {
		return err
	}
	return printTask(cmd.OutOrStdout(), t, start)
}

func runAutoCrawl(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	t, err := runToCompletion(ctx, a, func(ctx context.Context) (tasks.Task, error) {
		t, _, err := a.Service.TriggerAutoCrawl(ctx)
		return t, err
	})
	if err != nil {
		return err
	}
	return printTask(cmd.OutOrStdout(), t, start)
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	t, err := runToCompletion(ctx, a, func(ctx context.Context) (tasks.Task, error) {
		return a.Pool.Submit(ctx, tasks.KindProcessURL, tasks.Params{URL: args[0]})
	})
	if err != nil {
		return err
	}
	return printTask(cmd.OutOrStdout(), t, start)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := buildApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.Service.DBStatus(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), st)
}

func runSearchURL(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Service.SearchURL(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runSitesList(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := sites.NewRegistry(cfg.Sites.Path).Load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, s := range f.Sites {
		state := "disabled"
		if s.Enabled {
			state = "enabled"
		}
		fmt.Fprintf(out, "%-8s  %s  %s\n", state, s.Name, s.URL)
	}
	return nil
}

func runSitesToggle(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := sites.NewRegistry(cfg.Sites.Path).Toggle(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Site '%s' toggled successfully (enabled: %t)\n", s.Name, s.Enabled)
	return nil
}

func printTask(w io.Writer, t tasks.Task, start time.Time) error {
	if err := printJSON(w, t); err != nil {
		return err
	}
	fmt.Fprintf(w, "Total time: %s\n", time.Since(start).Round(time.Second))
	if t.Status == tasks.StatusFailed {
		return fmt.Errorf("task %s failed: %s", t.ID, t.Error)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
