package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/ibeckermayer/pinscrape/internal/app"
	"github.com/ibeckermayer/pinscrape/internal/config"
	"github.com/ibeckermayer/pinscrape/internal/scheduler"
	"github.com/ibeckermayer/pinscrape/internal/stage"
	"github.com/ibeckermayer/pinscrape/internal/store"
)

func (c *cli) scrapeCmd() *cobra.Command {
	var target int
	var then bool
	cmd := &cobra.Command{
		Use:   "scrape <keyword>...",
		Short: "Scroll Pinterest search results and save new pins",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var failed []string
			for _, kw := range args {
				res, err := c.app.Scrape(ctx, kw, target)
				if err != nil {
					if res.Status == store.SessionInterrupted {
						return interrupted(err)
					}
					c.logger.Error("scrape failed", "keyword", kw, "error", err)
					failed = append(failed, kw)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d new pins (%s, %s)\n",
					kw, res.Saved, res.Collect.StopReason, res.Duration.Round(time.Second))
			}
			if then {
				for _, kw := range args {
					rep, err := c.app.RunPipeline(ctx, app.PipelineOptions{Keyword: kw})
					if err != nil {
						return err
					}
					printReport(cmd.OutOrStdout(), rep)
					if code := rep.ExitCode(); code != 0 {
						return &exitError{code: code}
					}
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("scrape failed for %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&target, "target", "n", 0, "new pins to collect per keyword (default scraping.target_count)")
	cmd.Flags().BoolVar(&then, "pipeline", false, "run the maintenance pipeline on each keyword afterwards")
	return cmd
}

func (c *cli) pipelineCmd() *cobra.Command {
	var (
		keyword string
		stages  []string
		cont    bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run repair, convert, enhance and download over every keyword",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := app.PipelineOptions{Keyword: keyword, Stages: stages}
			if cmd.Flags().Changed("continue-on-failure") {
				opts.ContinueOnFailure = &cont
			}
			return c.runPipeline(cmd, opts, asJSON)
		},
	}
	cmd.Flags().StringVarP(&keyword, "keyword", "k", "", "limit the run to one keyword")
	cmd.Flags().StringSliceVar(&stages, "stages", nil, "stages to run, in order (default all)")
	cmd.Flags().BoolVar(&cont, "continue-on-failure", false, "keep going after a failed stage")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func (c *cli) stageCmd(name, short string) *cobra.Command {
	var keyword string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPipeline(cmd, app.PipelineOptions{Keyword: keyword, Stages: []string{name}}, asJSON)
		},
	}
	cmd.Flags().StringVarP(&keyword, "keyword", "k", "", "limit the run to one keyword")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func (c *cli) runPipeline(cmd *cobra.Command, opts app.PipelineOptions, asJSON bool) error {
	rep, err := c.app.RunPipeline(cmd.Context(), opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		printReport(out, rep)
	}
	if code := rep.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func printReport(w io.Writer, rep stage.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Stage", "Status", "Keywords", "Counters", "Duration", "Error"})
	for _, r := range rep.Stages {
		t.AppendRow(table.Row{
			r.Stage, r.Status, r.Stats.Keywords, formatCounters(r.Stats.Counters),
			r.Duration.Round(time.Millisecond), r.Error,
		})
	}
	for _, name := range rep.Skipped {
		t.AppendRow(table.Row{name, "skipped", "", "", "", ""})
	}
	t.AppendFooter(table.Row{"pipeline", rep.Status, "", "", rep.Finished.Sub(rep.Started).Round(time.Millisecond), rep.Interrupted})
	t.Render()
	if rep.ReportPath != "" {
		fmt.Fprintln(w, "report:", rep.ReportPath)
	}
	for _, r := range rep.Stages {
		for kw, msg := range r.Stats.Errors {
			fmt.Fprintf(w, "  %s/%s: %s\n", r.Stage, kw, msg)
		}
	}
}

func formatCounters(m map[string]int) string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, humanize.Comma(int64(m[k]))))
	}
	return strings.Join(parts, " ")
}

func (c *cli) keywords(keyword string) ([]string, error) {
	if keyword != "" {
		return []string{keyword}, nil
	}
	return stage.DiscoverKeywords(c.cfg.Output.Dir)
}

func (c *cli) statsCmd() *cobra.Command {
	var keyword string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show pin, task and file counts per keyword",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			kws, err := c.keywords(keyword)
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Keyword", "Pins", "Encoded", "Pending", "Failed", "Done", "DB size", "Last session"})
			var total int
			for _, kw := range kws {
				repo, err := store.OpenRepository(ctx, c.app.Factory(), kw, c.cfg.Output.Dir)
				if err != nil {
					c.logger.Warn("cannot open database", "keyword", kw, "error", err)
					t.AppendRow(table.Row{kw, "error", "", "", "", "", "", ""})
					continue
				}
				pins, _ := repo.CountPins(ctx)
				encoded, _ := repo.CountEncodedPins(ctx)
				tasks, _ := repo.TaskCounts(ctx)
				last := "never"
				if s, _ := repo.RecentSessions(ctx, 1); len(s) > 0 {
					last = humanize.Time(s[0].StartedAt)
				}
				var size string
				if fi, err := os.Stat(store.DBPath(c.cfg.Output.Dir, kw)); err == nil {
					size = humanize.Bytes(uint64(fi.Size()))
				}
				t.AppendRow(table.Row{
					kw, humanize.Comma(int64(pins)), encoded,
					tasks[store.TaskPending], tasks[store.TaskFailed], tasks[store.TaskCompleted],
					size, last,
				})
				total += pins
				c.app.Factory().Cleanup(kw, c.cfg.Output.Dir)
			}
			t.AppendFooter(table.Row{"total", humanize.Comma(int64(total))})
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyword, "keyword", "k", "", "show one keyword")
	return cmd
}

func (c *cli) sessionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions <keyword>",
		Short: "List recent scraping sessions of a keyword",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := store.OpenRepository(cmd.Context(), c.app.Factory(), args[0], c.cfg.Output.Dir)
			if err != nil {
				return err
			}
			list, err := repo.RecentSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"ID", "Status", "Target", "Saved", "Started", "Took"})
			for _, s := range list {
				took := ""
				if s.CompletedAt != nil {
					took = s.CompletedAt.Sub(s.StartedAt).Round(time.Second).String()
				}
				t.AppendRow(table.Row{s.ID[:8], s.Status, s.TargetCount, s.ActualCount, humanize.Time(s.StartedAt), took})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "sessions to show")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export <keyword>",
		Short: "Write a keyword's pins to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kw := args[0]
			repo, err := store.OpenRepository(cmd.Context(), c.app.Factory(), kw, c.cfg.Output.Dir)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = filepath.Join(store.KeywordDir(c.cfg.Output.Dir, kw), "exports")
			}
			path, err := repo.ExportPins(cmd.Context(), kw, dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "destination directory (default <keyword>/exports)")
	return cmd
}

func (c *cli) scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run or inspect the configured cron jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show configured jobs and their next runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := time.LoadLocation(c.cfg.Schedule.Timezone)
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Name", "Cron", "Kind", "Keyword", "Next run"})
			for _, j := range c.cfg.Schedule.Jobs {
				next := ""
				if runs, err := scheduler.NextRuns(j.Cron, loc, time.Now(), 1); err == nil {
					next = runs[0].Format(time.DateTime) + " (" + humanize.Time(runs[0]) + ")"
				}
				t.AppendRow(table.Row{j.Name, j.Cron, j.Kind, j.Keyword, next})
			}
			t.Render()
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(c.cfg.Schedule.Jobs) == 0 {
				return errors.New("no jobs configured under [[schedule.jobs]]")
			}
			ctx, cancel := c.app.Interrupt().Context(cmd.Context())
			defer cancel()
			s, err := c.app.Scheduler(ctx)
			if err != nil {
				return err
			}
			s.Start()
			<-ctx.Done()
			<-s.Stop().Done()
			return nil
		},
	})
	return cmd
}

func (c *cli) loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in to Pinterest in a browser window and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Login(cmd.Context())
		},
	}
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored Pinterest session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Logout()
		},
	}
}

func (c *cli) openCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "open <output|reports|config>",
		Short:     "Open a directory or the config file",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"output", "reports", "config"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Open(args[0])
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(c.cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.configPath
			if path == "" {
				var err error
				if path, err = config.ConfigPath(); err != nil {
					return err
				}
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})
	return cmd
}
