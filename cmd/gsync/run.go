package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"garagesync/internal/abcp"
	"garagesync/internal/bitrix"
	"garagesync/internal/config"
	"garagesync/internal/logging"
	"garagesync/internal/store"
	"garagesync/internal/sync"
	"garagesync/internal/timeslice"
	"garagesync/internal/ui"
)

// Default fetch window applied when neither --from nor --to is given.
const (
	defaultFrom = "2024-01-01"
	defaultTo   = "2025-12-31"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch garage records and reconcile them into deals",
	Long: `Run the sync pipeline: fetch vehicle records from ABCP for the given
period (sliced per calendar year), store them locally, and reconcile the
latest record of every customer into the matching Bitrix24 deal.

Dates accept YYYY-MM-DD, an ISO timestamp, or a natural-language phrase
such as "last monday". When neither --from nor --to is given the period
defaults to ` + defaultFrom + ` .. ` + defaultTo + `.

Examples:
  gsync run                                   # default period, both stages
  gsync run --from 2024-01-01 --to 2024-06-30 --only-store
  gsync run --only-sync --user 12345          # reconcile one customer
  gsync run --loop-every 30                   # repeat every 30 minutes`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().String("from", "", "period start (used with --to)")
	runCmd.Flags().String("to", "", "period end (used with --from)")
	runCmd.Flags().Bool("only-store", false, "fetch and store only, skip reconciliation")
	runCmd.Flags().Bool("only-sync", false, "reconcile only, skip the ABCP fetch")
	runCmd.Flags().Int64("user", 0, "reconcile a single customer id")
	runCmd.Flags().Int("loop-every", 0, "repeat the run every N minutes")
	rootCmd.AddCommand(runCmd)
}

// runOptions is the parsed flag set of one invocation.
type runOptions struct {
	from, to  time.Time
	onlyStore bool
	onlySync  bool
	onlyUser  int64
}

func runPipeline(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	fromArg, _ := flags.GetString("from")
	toArg, _ := flags.GetString("to")
	onlyStore, _ := flags.GetBool("only-store")
	onlySync, _ := flags.GetBool("only-sync")
	onlyUser, _ := flags.GetInt64("user")
	loopEvery, _ := flags.GetInt("loop-every")

	if onlyStore && onlySync {
		return fmt.Errorf("--only-store and --only-sync are mutually exclusive")
	}
	if flags.Changed("loop-every") && loopEvery <= 0 {
		return fmt.Errorf("--loop-every must be a positive number of minutes")
	}

	from, to, err := resolveWindow(fromArg, toArg)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLog := logging.Setup("[gsync] ", cfg.LogFile)
	defer closeLog()

	st, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if err := st.InitSchema(ctx); err != nil {
		return err
	}

	opts := runOptions{from: from, to: to, onlyStore: onlyStore, onlySync: onlySync, onlyUser: onlyUser}
	p := newPipeline(cfg, st, logger)

	if loopEvery > 0 {
		return runLoop(ctx, p, opts, time.Duration(loopEvery)*time.Minute)
	}
	return runOnce(ctx, p, opts)
}

// pipeline bundles the long-lived collaborators of one invocation. The two
// clients persist across loop iterations, so the UF metadata cache stays warm
// and the mapping validation runs once per process, not once per iteration.
type pipeline struct {
	cfg    *config.Config
	st     *store.Store
	logger *log.Logger
	source *abcp.Client
	target *bitrix.Client
}

func newPipeline(cfg *config.Config, st *store.Store, logger *log.Logger) *pipeline {
	return &pipeline{
		cfg:    cfg,
		st:     st,
		logger: logger,
		source: abcp.New(abcp.Config{
			BaseURL:        cfg.ABCPBaseURL,
			Login:          cfg.ABCPLogin,
			Password:       cfg.ABCPPassword,
			Timeout:        cfg.HTTPTimeout,
			Retries:        cfg.Retries,
			RetryBackoff:   cfg.RetryBackoff,
			RateLimitPause: cfg.RateLimitPause,
		}, logging.ForComponent(logger, "[abcp] ")),
		target: bitrix.New(bitrix.Config{
			WebhookURL:     cfg.B24WebhookURL,
			DealCategoryID: cfg.B24DealCategoryID,
			UserFieldCode:  cfg.B24UserFieldCode,
			TZOffset:       cfg.TZOffset,
			Timeout:        cfg.HTTPTimeout,
			Pause:          cfg.RateLimitPause,
		}, logging.ForComponent(logger, "[bitrix] ")),
	}
}

// runOnce executes one fetch+sync pass.
func runOnce(ctx context.Context, p *pipeline, opts runOptions) error {
	logger := p.logger
	logger.Printf("=== garage sync: start ===")
	logger.Printf("Effective period: %s -> %s",
		opts.from.Format("2006-01-02 15:04:05"), opts.to.Format("2006-01-02 15:04:05"))

	if !opts.onlySync {
		saved, err := fetchStage(ctx, p, opts.from, opts.to)
		if err != nil {
			return err
		}
		fmt.Printf("%s stored %s record(s)\n", ui.Pass("fetch:"), ui.Accent(strconv.Itoa(saved)))
	}

	if !opts.onlyStore {
		totals, err := syncStage(ctx, p, opts.onlyUser)
		if err != nil {
			return err
		}
		fmt.Printf("%s updated=%s skipped=%s errors=%s\n",
			ui.Pass("sync:"),
			ui.Accent(strconv.Itoa(totals.Updated)),
			ui.Dim(strconv.Itoa(totals.Skipped)),
			ui.Err(strconv.Itoa(totals.Errors)))
	}

	logger.Printf("=== garage sync: done ===")
	return nil
}

// runLoop repeats runOnce until the context is cancelled. GSYNC_LOOP_LIMIT
// caps the number of iterations (used by service tests). When a rules file
// is configured it is watched and re-read between iterations, so mapping
// changes apply without a restart.
func runLoop(ctx context.Context, p *pipeline, opts runOptions, every time.Duration) error {
	cfg, logger := p.cfg, p.logger
	limit := loopLimit(logger)

	reload := make(chan struct{}, 1)
	if cfg.RulesFile != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create rules watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(cfg.RulesFile); err != nil {
			return fmt.Errorf("failed to watch %s: %w", cfg.RulesFile, err)
		}
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						select {
						case reload <- struct{}{}:
						default:
						}
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					logger.Printf("WARNING: rules watcher: %v", err)
				}
			}
		}()
	}

	for iteration := 1; ; iteration++ {
		if err := runOnce(ctx, p, opts); err != nil {
			if ctx.Err() != nil {
				return err
			}
			// A failed iteration is logged and the loop keeps its cadence.
			logger.Printf("ERROR: iteration %d failed: %v", iteration, err)
		}

		if limit > 0 && iteration >= limit {
			logger.Printf("Loop limit reached (%d iterations) - exiting", limit)
			return nil
		}

		logger.Printf("Sleeping %s before next run", every)
		timer := time.NewTimer(every)
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
				break wait
			case <-reload:
				rules, err := config.LoadRulesFile(cfg.RulesFile)
				if err != nil {
					logger.Printf("WARNING: rules file changed but could not be reloaded: %v", err)
					continue
				}
				cfg.Rules = rules
				logger.Printf("Rules file reloaded: %d rule(s)", len(rules))
			}
		}
	}
}

// loopLimit reads GSYNC_LOOP_LIMIT; zero means unlimited.
func loopLimit(logger *log.Logger) int {
	raw := os.Getenv("GSYNC_LOOP_LIMIT")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		logger.Printf("WARNING: GSYNC_LOOP_LIMIT must be a positive integer, got %q - ignoring", raw)
		return 0
	}
	return n
}

// fetchStage pulls vehicle records per calendar-year slice and upserts them.
// A failed slice is logged and the remaining slices still run; only a fully
// failed fetch aborts the pass.
func fetchStage(ctx context.Context, p *pipeline, from, to time.Time) (int, error) {
	if err := p.cfg.ValidateForFetch(); err != nil {
		return 0, err
	}
	st, logger := p.st, p.logger

	windows := timeslice.ByCalendarYear(from, to)
	logger.Printf("Year slices: %d", len(windows))

	totalSaved := 0
	failed := 0
	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			return totalSaved, err
		}
		logger.Printf("Slice %d/%d: fetch ABCP %s -> %s", i+1, len(windows),
			w.Start.Format("2006-01-02 15:04:05"), w.End.Format("2006-01-02 15:04:05"))

		payload, err := p.source.FetchGarage(ctx, w.Start, w.End)
		if err != nil {
			failed++
			logger.Printf("ERROR: slice %d/%d failed: %v", i+1, len(windows), err)
			continue
		}

		vehicles := vehiclesFromPayload(payload, logger)
		saved, err := st.UpsertVehicles(ctx, vehicles)
		if err != nil {
			failed++
			logger.Printf("ERROR: slice %d/%d store failed: %v", i+1, len(windows), err)
			continue
		}
		totalSaved += saved
		logger.Printf("Slice %d/%d: stored rows=%d (total_saved=%d)", i+1, len(windows), saved, totalSaved)
	}

	if len(windows) > 0 && failed == len(windows) {
		return totalSaved, fmt.Errorf("all %d fetch slices failed", failed)
	}
	logger.Printf("ABCP fetch/store finished: total_saved=%d", totalSaved)
	return totalSaved, nil
}

// vehiclesFromPayload flattens the per-customer payload. A record that cannot
// be converted (no id) is logged and dropped; one bad record must not sink
// the batch.
func vehiclesFromPayload(payload map[string][]abcp.Record, logger *log.Logger) []store.Vehicle {
	var vehicles []store.Vehicle
	for key, records := range payload {
		userID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			logger.Printf("WARNING: non-numeric customer key %q - records kept without owner fallback", key)
			userID = 0
		}
		for _, rec := range records {
			v, err := store.VehicleFromAttrs(userID, rec.Attrs, rec.Raw)
			if err != nil {
				logger.Printf("WARNING: dropping record for customer %s: %v", key, err)
				continue
			}
			vehicles = append(vehicles, v)
		}
	}
	return vehicles
}

// syncStage reconciles stored records into deals. The mapping table is
// re-resolved every pass so rules-file hot reloads take effect; validation
// inside the client runs only on the first pass.
func syncStage(ctx context.Context, p *pipeline, onlyUser int64) (sync.Totals, error) {
	cfg := p.cfg
	if err := cfg.ValidateForSync(); err != nil {
		return sync.Totals{}, err
	}

	mappings := config.ResolveMappings(cfg.Rules, cfg.OverwriteDefault, cfg.OverwriteFields, os.Getenv)
	if len(mappings) == 0 {
		return sync.Totals{}, fmt.Errorf("no deal field mappings are configured; set the UF_B24_DEAL_GARAGE_* variables")
	}
	p.target.ValidateMappings(ctx, mappings)

	svc := sync.NewService(p.st, p.target, mappings, sync.Options{
		PauseBetweenUsers: cfg.PauseBetweenUsers,
		PauseBetweenDeals: cfg.PauseBetweenDeals,
	}, logging.ForComponent(p.logger, "[sync] "))

	return svc.SyncAll(ctx, onlyUser)
}

// resolveWindow turns the --from/--to pair into a concrete period. Both
// omitted means the default period; giving only one is a usage error.
func resolveWindow(fromArg, toArg string) (time.Time, time.Time, error) {
	switch {
	case fromArg == "" && toArg == "":
		fromArg, toArg = defaultFrom, defaultTo
	case fromArg == "" || toArg == "":
		return time.Time{}, time.Time{}, fmt.Errorf("--from and --to must be specified together")
	}

	from, err := parseDate(fromArg)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
	}
	to, err := parseDate(toArg)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to (%s) is before --from (%s)", toArg, fromArg)
	}
	return from, to, nil
}

// parseDate accepts the ISO layouts first and falls back to natural-language
// parsing ("last monday", "3 days ago").
func parseDate(s string) (time.Time, error) {
	layouts := []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	result, err := w.Parse(s, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse date %q: %w", s, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("cannot parse date %q", s)
	}
	return result.Time, nil
}
