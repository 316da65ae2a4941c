package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	osignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fxsignals/copier/broker/sim"
	"github.com/fxsignals/copier/config"
	"github.com/fxsignals/copier/drawdown"
	"github.com/fxsignals/copier/engine"
	"github.com/fxsignals/copier/history"
	"github.com/fxsignals/copier/journal"
	"github.com/fxsignals/copier/logging"
	"github.com/fxsignals/copier/monitor"
	"github.com/fxsignals/copier/orders"
	"github.com/fxsignals/copier/pkg/id"
	"github.com/fxsignals/copier/risk"
	"github.com/fxsignals/copier/signal"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the copier against the paper broker",
	Long: `Run the full copier pipeline: messages are read from stdin, one per line,
and processed exactly as channel messages would be. Orders are placed against
the built-in paper broker.

Example:
  copier run --config copier.yaml --balance 10000`,
	RunE: runRun,
}

var (
	runConfigPath string
	runBalance    float64
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file (YAML or JSON) (required)")
	runCmd.Flags().Float64Var(&runBalance, "balance", 10000, "paper broker starting balance")
	runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.File,
		cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Close()

	ctx, stop := osignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	accountID := cfg.Account.ID
	b := sim.New(runBalance)

	profiles, err := risk.OpenStore(cfg.Files.RiskConfig, log)
	if err != nil {
		return fmt.Errorf("open risk store: %w", err)
	}

	// The drawdown percentage lives on the risk profile; the config value,
	// when set, overrides it for this deployment.
	pct := func() float64 {
		if cfg.Drawdown.Percent > 0 {
			return cfg.Drawdown.Percent
		}
		return profiles.ProfileFor(accountID).DrawdownPct
	}
	guard := drawdown.NewGuard(cfg.Files.DrawdownState, pct, log)

	state, err := b.GetAccountState(ctx, accountID)
	if err != nil {
		return fmt.Errorf("account state: %w", err)
	}
	if err := guard.Load(state.Balance); err != nil {
		return fmt.Errorf("load drawdown state: %w", err)
	}

	loc, err := cfg.Drawdown.Location()
	if err != nil {
		return fmt.Errorf("drawdown timezone: %w", err)
	}
	equity := func() (float64, error) {
		st, err := b.GetAccountState(context.Background(), accountID)
		if err != nil {
			return 0, err
		}
		return st.Equity(), nil
	}
	sched := drawdown.NewScheduler(guard, equity, cfg.Drawdown.ResetHour, cfg.Drawdown.ResetMinute, loc, log)
	sched.Start(ctx)
	defer sched.Wait()

	store := history.NewStore(history.DefaultConfig(), log)
	cache, err := history.OpenCache(cfg.Files.OrderCache, log)
	if err != nil {
		return fmt.Errorf("open order cache: %w", err)
	}
	go sweepCache(ctx, cache, log)

	var jrnl journal.Journal = journal.Nop{}
	if cfg.Files.JournalDB != "" {
		jrnl, err = journal.NewSQLite(cfg.Files.JournalDB)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
	}
	defer jrnl.Close()

	if cfg.Extractor.URL == "" {
		return fmt.Errorf("extractor.url is required to parse signals")
	}
	timeout, err := cfg.Extractor.ParseTimeout()
	if err != nil {
		return fmt.Errorf("extractor.timeout: %w", err)
	}
	extractor := signal.NewHTTPExtractor(cfg.Extractor.URL, os.Getenv(cfg.Extractor.APIKeyEnv),
		cfg.Extractor.Model, timeout)

	limiter := engine.NewWriteLimiter()
	missed := engine.NewMissedHandler(b, store, limiter, jrnl, log)
	missed.FallbackProtection = cfg.Handlers.FallbackProtection
	manage := engine.NewManageHandler(b, store, cache, limiter,
		engine.FlagsForPreset(cfg.Handlers.Preset), jrnl, log)

	eng := engine.New(engine.Config{
		AccountID: accountID,
		Broker:    b,
		Parser:    signal.NewParser(extractor, signal.DefaultOffsets(), log),
		Profiles:  profiles,
		Sizing:    risk.DefaultSizingPolicy(),
		Orders:    orders.New(b, guard, store, cache, jrnl, orders.DefaultPolicy(), log),
		History:   store,
		Missed:    missed,
		Manage:    manage,
		Journal:   jrnl,
		Log:       log,
	})

	monitorDone := make(chan struct{})
	close(monitorDone)
	if cfg.Monitor.Enabled {
		mcfg, err := monitorConfig(cfg, accountID)
		if err != nil {
			return err
		}
		m := monitor.New(mcfg, b, store, log)
		monitorDone = make(chan struct{})
		go func() {
			defer close(monitorDone)
			m.Run(ctx)
		}()
	}
	defer func() { <-monitorDone }()

	fmt.Printf("copier running for account %s, reading messages from stdin\n", accountID)

	msgs := make(chan signal.Message)
	go readMessages(ctx, msgs)
	eng.Serve(ctx, msgs)

	stop()
	return nil
}

// monitorConfig overlays the configured intervals on the defaults.
func monitorConfig(cfg *config.Config, accountID string) (monitor.Config, error) {
	mcfg := monitor.DefaultConfig(accountID)
	if d, err := cfg.Monitor.ParseActivePoll(); err != nil {
		return mcfg, fmt.Errorf("monitor.active_poll: %w", err)
	} else if d > 0 {
		mcfg.ActivePoll = d
	}
	if d, err := cfg.Monitor.ParseIdlePoll(); err != nil {
		return mcfg, fmt.Errorf("monitor.idle_poll: %w", err)
	} else if d > 0 {
		mcfg.IdlePoll = d
	}
	if d, err := cfg.Monitor.ParseCooldown(); err != nil {
		return mcfg, fmt.Errorf("monitor.cooldown: %w", err)
	} else if d > 0 {
		mcfg.Cooldown = d
	}
	return mcfg, nil
}

// sweepCache drops stale order-cache entries on an hourly cadence so the
// file stays bounded between restarts.
func sweepCache(ctx context.Context, cache *history.Cache, log *logging.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cache.Sweep(); err != nil {
				log.Warnf("order cache sweep failed: %v", err)
			}
		}
	}
}

// readMessages feeds stdin lines to the engine until EOF or cancellation.
func readMessages(ctx context.Context, msgs chan<- signal.Message) {
	defer close(msgs)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		msg := signal.Message{
			Text:      text,
			MessageID: id.New(),
			Timestamp: time.Now(),
		}
		select {
		case msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}
