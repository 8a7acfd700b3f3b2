package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"cotations/packages/config"
	"cotations/packages/csvio"
	"cotations/packages/db"
	"cotations/packages/description"
	"cotations/packages/domain"
	"cotations/packages/mapper"
	"cotations/packages/oracle"
	"cotations/packages/reducer"
	"cotations/packages/runner"
)

func newRootCmd(cfg config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "cotations",
		Short:         "Extract climbing grade histograms from route descriptions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newExportCmd(cfg),
		newMapCmd(cfg),
		newReduceCmd(cfg),
		newPipelineCmd(cfg),
		newGptRouteCmd(cfg),
		newGptBulkCmd(cfg),
		newCsvRouteCmd(cfg),
		newCsvBulkCmd(cfg),
		newPendingCmd(cfg),
		newStatsCmd(cfg),
	)
	return root
}

type runFlags struct {
	skipExisting bool
	limit        int
	dryRun       bool
	startID      int64
}

func addRunFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().BoolVar(&f.skipExisting, "skip-existing", true, "bypass routes whose cotations are already set")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "cap on attempted routes, 0 means unbounded")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "compute and log results without writing")
	cmd.Flags().Int64Var(&f.startID, "start-id", 0, "skip routes with a smaller id, for resuming")
}

func (f runFlags) options() runner.Options {
	return runner.Options{
		SkipExisting: f.skipExisting,
		Limit:        f.limit,
		DryRun:       f.dryRun,
		StartID:      f.startID,
	}
}

func openStore(ctx context.Context, cfg config.Config) (*db.Storage, error) {
	if err := cfg.RequireDB(); err != nil {
		return nil, err
	}
	return db.New(ctx, cfg.DatabaseURL)
}

func buildOracle(cfg config.Config) (oracle.Extractor, error) {
	if err := cfg.RequireOracle(); err != nil {
		return nil, err
	}
	client := oracle.New(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL, cfg.OracleTimeout)
	if cfg.RedisAddr == "" {
		return client, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	slog.Info("Oracle response cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.OracleCacheTTL)
	return oracle.NewCached(client, oracle.NewRedisKV(rdb), client.Model(), cfg.OracleCacheTTL), nil
}

// keptSource replays mapper output rows as route records so the batch loop
// can run over a prepared file instead of the live table.
type keptSource struct {
	r *csvio.KeptReader
}

func (k keptSource) Next(ctx context.Context) (domain.RouteRecord, bool, error) {
	kept, ok, err := k.r.Next(ctx)
	if err != nil || !ok {
		return domain.RouteRecord{}, ok, err
	}
	return domain.RouteRecord{
		ID:             kept.ID,
		RawDescription: kept.Description,
		Activities:     []string{kept.Activity},
		Status:         domain.StatusActive,
	}, true, nil
}

// Mapper output is already filtered; runs over a prepared file only need
// the projection shape back.
func passThrough(rec domain.RouteRecord) (domain.KeptRoute, bool) {
	return domain.KeptRoute{ID: rec.ID, Description: rec.RawDescription}, true
}

type singleRowSource struct {
	row  domain.PreparedRow
	done bool
}

func (s *singleRowSource) Next(context.Context) (domain.PreparedRow, bool, error) {
	if s.done {
		return domain.PreparedRow{}, false, nil
	}
	s.done = true
	return s.row, true, nil
}

// createOutput creates path, making its directory first.
func createOutput(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, err
		}
	}
	return os.Create(path)
}

func runExport(ctx context.Context, storage *db.Storage, path string) (int64, error) {
	f, err := createOutput(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return storage.ExportCSV(ctx, f)
}

func runMap(ctx context.Context, cfg config.Config, inPath, outPath string) (seen, kept int, err error) {
	in, err := os.Open(inPath)
	if err != nil {
		return 0, 0, err
	}
	defer in.Close()

	out, err := createOutput(outPath)
	if err != nil {
		return 0, 0, err
	}
	defer out.Close()

	m := mapper.New(cfg.AllowedActivities)
	r := csvio.NewRouteReader(in)
	w := csvio.NewKeptWriter(out)

	for {
		if err := ctx.Err(); err != nil {
			return seen, kept, err
		}
		rec, ok, err := r.Next(ctx)
		if err != nil {
			return seen, kept, err
		}
		if !ok {
			break
		}
		seen++
		k, ok := m.Project(rec)
		if !ok {
			continue
		}
		kept++
		if err := w.Write(k); err != nil {
			return seen, kept, err
		}
	}
	return seen, kept, w.Flush()
}

func runReduce(ctx context.Context, ext oracle.Extractor, inPath, outPath string, opts runner.Options) (runner.RunState, error) {
	in, err := os.Open(inPath)
	if err != nil {
		return runner.RunState{}, err
	}
	defer in.Close()

	// A dry run must not touch the output file either.
	var sink runner.SinkFunc
	flush := func() error { return nil }
	if opts.DryRun {
		sink = func(_ context.Context, id int64, h domain.Histogram, _ bool) error {
			encoded, err := h.EncodeJSON()
			if err != nil {
				return err
			}
			slog.Info("Dry run, skipping result row", "route_id", id, "cotations", string(encoded))
			return nil
		}
	} else {
		out, err := createOutput(outPath)
		if err != nil {
			return runner.RunState{}, err
		}
		defer out.Close()
		w := csvio.NewResultWriter(out)
		sink = func(_ context.Context, id int64, h domain.Histogram, _ bool) error {
			return w.Write(id, h)
		}
		flush = w.Flush
	}

	state, err := runner.Run(ctx, keptSource{r: csvio.NewKeptReader(in)}, passThrough, ext.Extract, sink, opts)
	if ferr := flush(); err == nil {
		err = ferr
	}
	return state, err
}

func runImportFile(ctx context.Context, storage *db.Storage, path string, opts runner.Options) (runner.RunState, error) {
	f, err := os.Open(path)
	if err != nil {
		return runner.RunState{}, err
	}
	defer f.Close()
	return runner.RunImport(ctx, csvio.NewPreparedReader(f), storage.HasCotations, storage.UpdateCotations, opts)
}

// finishRun logs the summary and swallows a clean cancellation so an
// interrupted run still exits zero after reporting its counters.
func finishRun(state runner.RunState, op string, err error) error {
	state.Log(op)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newExportCmd(cfg config.Config) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump the route table to a semicolon CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			storage, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer storage.Close()

			rows, err := runExport(ctx, storage, out)
			if err != nil {
				return err
			}
			slog.Info("Export finished", "rows", rows, "file", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", filepath.Join(cfg.DataDir, "routes.csv"), "output file")
	return cmd
}

func newMapCmd(cfg config.Config) *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Filter an exported route dump down to extractable routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			seen, kept, err := runMap(cmd.Context(), cfg, in, out)
			if err != nil {
				return err
			}
			slog.Info("Filter finished", "seen", seen, "kept", kept, "file", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", filepath.Join(cfg.DataDir, "routes.csv"), "route dump to read")
	cmd.Flags().StringVar(&out, "out", filepath.Join(cfg.DataDir, "kept.csv"), "output file")
	return cmd
}

func newReduceCmd(cfg config.Config) *cobra.Command {
	var in, out string
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "reduce",
		Short: "Run the oracle over a filtered file and write a result file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ext, err := buildOracle(cfg)
			if err != nil {
				return err
			}
			state, err := runReduce(cmd.Context(), ext, in, out, flags.options())
			return finishRun(state, "reduce", err)
		},
	}
	cmd.Flags().StringVar(&in, "in", filepath.Join(cfg.DataDir, "kept.csv"), "filtered file to read")
	cmd.Flags().StringVar(&out, "out", filepath.Join(cfg.DataDir, "results.csv"), "output file")
	addRunFlags(cmd, &flags)
	return cmd
}

func newPipelineCmd(cfg config.Config) *cobra.Command {
	var flags runFlags
	var importBack bool
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Export, filter and extract in one go, optionally importing results back",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			storage, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer storage.Close()
			ext, err := buildOracle(cfg)
			if err != nil {
				return err
			}

			routesPath := filepath.Join(cfg.DataDir, "routes.csv")
			keptPath := filepath.Join(cfg.DataDir, "kept.csv")
			resultsPath := filepath.Join(cfg.DataDir, "results.csv")

			rows, err := runExport(ctx, storage, routesPath)
			if err != nil {
				return err
			}
			slog.Info("Export finished", "rows", rows, "file", routesPath)

			seen, kept, err := runMap(ctx, cfg, routesPath, keptPath)
			if err != nil {
				return err
			}
			slog.Info("Filter finished", "seen", seen, "kept", kept, "file", keptPath)

			state, err := runReduce(ctx, ext, keptPath, resultsPath, flags.options())
			if err := finishRun(state, "pipeline-reduce", err); err != nil {
				return err
			}

			if !importBack {
				slog.Info("Results ready for import", "file", resultsPath)
				return nil
			}
			if flags.dryRun {
				slog.Info("Dry run, no result file to import")
				return nil
			}
			importState, err := runImportFile(ctx, storage, resultsPath, flags.options())
			return finishRun(importState, "pipeline-import", err)
		},
	}
	addRunFlags(cmd, &flags)
	cmd.Flags().BoolVar(&importBack, "import", false, "import the result file into the route table")
	return cmd
}

func newGptRouteCmd(cfg config.Config) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "gpt-route <id>",
		Short: "Extract cotations for one route by id, bypassing the filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid route id %q", args[0])
			}
			ctx := cmd.Context()

			storage, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer storage.Close()
			ext, err := buildOracle(cfg)
			if err != nil {
				return err
			}

			rec, err := storage.GetRoute(ctx, id)
			if err != nil {
				return err
			}
			text, lang := description.Resolve(rec.RawDescription)
			if text == "" {
				return fmt.Errorf("route %d has no usable description", id)
			}

			raw, err := ext.Extract(ctx, text)
			if err != nil {
				return err
			}
			h := reducer.Normalize(raw)
			if err := storage.UpdateCotations(ctx, id, h, dryRun); err != nil {
				return err
			}

			encoded, err := h.EncodeJSON()
			if err != nil {
				return err
			}
			slog.Info("Route processed", "route_id", id, "lang", lang, "cotations", string(encoded))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and log the result without writing")
	return cmd
}

func newGptBulkCmd(cfg config.Config) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "gpt-bulk",
		Short: "Extract cotations for every kept route in the table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			storage, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer storage.Close()
			ext, err := buildOracle(cfg)
			if err != nil {
				return err
			}

			m := mapper.New(cfg.AllowedActivities)
			state, err := runner.Run(ctx, storage.StreamRoutes(flags.startID), m.Project,
				ext.Extract, storage.UpdateCotations, flags.options())
			return finishRun(state, "gpt-bulk", err)
		},
	}
	addRunFlags(cmd, &flags)
	return cmd
}

func newCsvRouteCmd(cfg config.Config) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "csv-route <id> <file>",
		Short: "Import one route's cotations from a prepared result file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid route id %q", args[0])
			}
			ctx := cmd.Context()

			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			r := csvio.NewPreparedReader(f)
			var found *domain.PreparedRow
			for {
				row, ok, err := r.Next(ctx)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				if row.ID == id {
					found = &row
					break
				}
			}
			if found == nil {
				return fmt.Errorf("route %d not found in %s", id, args[1])
			}

			storage, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer storage.Close()

			state, err := runner.RunImport(ctx, &singleRowSource{row: *found},
				storage.HasCotations, storage.UpdateCotations, flags.options())
			return finishRun(state, "csv-route", err)
		},
	}
	addRunFlags(cmd, &flags)
	return cmd
}

func newCsvBulkCmd(cfg config.Config) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "csv-bulk <file>",
		Short: "Import every row of a prepared result file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			storage, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer storage.Close()

			state, err := runImportFile(ctx, storage, args[0], flags.options())
			return finishRun(state, "csv-bulk", err)
		},
	}
	addRunFlags(cmd, &flags)
	return cmd
}

func newPendingCmd(cfg config.Config) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Count routes still waiting for extraction",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			storage, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer storage.Close()

			m := mapper.New(cfg.AllowedActivities)
			src := storage.StreamRoutes(0)

			var scanned, kept, done, pending int
			var ids []int64
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				rec, ok, err := src.Next(ctx)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				scanned++
				if !m.Keep(rec) {
					continue
				}
				kept++
				if rec.Processed() {
					done++
					continue
				}
				pending++
				if verbose {
					ids = append(ids, rec.ID)
				}
			}

			fmt.Printf("active routes scanned : %d\n", scanned)
			fmt.Printf("kept by filter        : %d\n", kept)
			fmt.Printf("already extracted     : %d\n", done)
			fmt.Printf("pending               : %d\n", pending)
			if verbose {
				for _, id := range ids {
					fmt.Println(id)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "list the pending route ids")
	return cmd
}

// Rough per-1k-token price and latency used by the stats estimate.
const (
	costPer1kTokens    = 0.02
	secondsPer1kTokens = 1.5
)

func newStatsCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print table-wide extraction statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			storage, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer storage.Close()

			progress, err := storage.CountProgress(ctx)
			if err != nil {
				return err
			}

			m := mapper.New(cfg.AllowedActivities)
			src := storage.StreamRoutes(0)

			var kept, extracted, empty, pairs, words int
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				rec, ok, err := src.Next(ctx)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				k, keepIt := m.Project(rec)
				if !keepIt {
					continue
				}
				kept++
				words += len(strings.Fields(k.Description))
				if rec.ExistingGrades == nil {
					continue
				}
				extracted++
				if len(rec.ExistingGrades) == 0 {
					empty++
				}
				pairs += len(rec.ExistingGrades)
			}

			top, err := storage.CountsByGrade(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("table             : %d routes, %d with cotations, %d of those empty\n",
				progress.Total, progress.Processed, progress.Empty)
			fmt.Printf("kept by filter    : %d\n", kept)
			fmt.Printf("extracted         : %d\n", extracted)
			emptyPct := 0.0
			if extracted > 0 {
				emptyPct = float64(empty) / float64(extracted) * 100
			}
			fmt.Printf("empty extractions : %d (%.1f%%)\n", empty, emptyPct)
			fmt.Printf("grade pairs       : %d\n", pairs)
			fmt.Printf("distinct grades   : %d\n", len(top))
			if len(top) > 0 {
				byCount := make(domain.Histogram, len(top))
				copy(byCount, top)
				sort.Slice(byCount, func(i, j int) bool { return byCount[i].Count > byCount[j].Count })
				if len(byCount) > 5 {
					byCount = byCount[:5]
				}
				lines := make([]string, len(byCount))
				for i, gc := range byCount {
					lines[i] = fmt.Sprintf("%s (%d)", gc.Grade, gc.Count)
				}
				fmt.Printf("top grades        : %s\n", strings.Join(lines, ", "))
			}

			fmt.Printf("estimated oracle load over all kept descriptions:\n")
			fmt.Printf("  tokens : %d\n", words)
			fmt.Printf("  cost   : %.2f EUR (at %.2f per 1k tokens)\n",
				float64(words)/1000*costPer1kTokens, costPer1kTokens)
			fmt.Printf("  time   : %.1fs (at %.1fs per 1k tokens)\n",
				float64(words)/1000*secondsPer1kTokens, secondsPer1kTokens)
			if kept > 0 {
				fmt.Printf("  per route : %d tokens, %.2fs\n",
					words/kept, float64(words)/1000*secondsPer1kTokens/float64(kept))
			}
			return nil
		},
	}
}
