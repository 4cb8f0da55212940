package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"glimpse/cmd/glimpse/ui"
	"glimpse/internal/browser"
	"glimpse/internal/capture"
	"glimpse/internal/clipboard"
	"glimpse/internal/config"
	"glimpse/internal/logging"
	"glimpse/internal/session"
	"glimpse/internal/store"
)

var (
	verbose     bool
	configPath  string
	debuggerURL string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "glimpse",
	Short: "Glimpse - explain the text you just selected",
	Long: `Glimpse watches for a trigger, captures the current selection and its
surroundings, and streams a short explanation into an overlay panel.

Run without arguments to start the overlay.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOverlay()
	},
}

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Show recent session outcomes",
	RunE:  runDiagnostics,
}

var configInitCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolvedConfigPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.Flags().StringVar(&debuggerURL, "debugger-url", "", "attach to a running browser's DevTools URL")
	diagnosticsCmd.Flags().Int("limit", 20, "how many outcomes to show")

	rootCmd.AddCommand(diagnosticsCmd, configInitCmd)
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".glimpse"
	}
	return filepath.Join(home, ".glimpse")
}

// runOverlay is the composition root for the interactive overlay.
func runOverlay() error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}
	settings := config.NewSettings(cfg)

	if err := logging.Initialize(stateDir(), logging.Options{
		DebugMode: verbose || cfg.Logging.Debug,
		Level:     cfg.Logging.Level,
		Categories: func() map[string]bool {
			if len(cfg.Logging.Categories) == 0 {
				return nil
			}
			cats := make(map[string]bool, len(cfg.Logging.Categories))
			for _, c := range cfg.Logging.Categories {
				cats[c] = true
			}
			return cats
		}(),
	}); err != nil {
		logger.Warn("category log init failed", zap.Error(err))
	}

	client := newGenerationClient(settings)
	provider := browser.NewProvider(browser.Config{DebuggerURL: debuggerURL})
	panel := ui.NewPanel()

	sessionCfg := session.DefaultConfig()
	if cfg.Session.AutoDismissMS > 0 {
		sessionCfg.AutoDismissDelay = time.Duration(cfg.Session.AutoDismissMS) * time.Millisecond
	}
	sessionCfg.MaxOutputTokens = cfg.Session.MaxOutputTokens

	var program *tea.Program
	orch := session.New(session.Deps{
		Provider:  provider,
		Client:    client,
		Panel:     panel,
		Settings:  settings,
		Clipboard: clipboard.New(),
		Budgets: capture.Budgets{
			Fast:       time.Duration(cfg.Capture.FastBudgetMS) * time.Millisecond,
			Settle:     time.Duration(cfg.Capture.SettleDelayMS) * time.Millisecond,
			Contextual: time.Duration(cfg.Capture.ContextualBudgetMS) * time.Millisecond,
		},
		Notify: func(s session.Snapshot) {
			if program != nil {
				program.Send(ui.SnapshotMsg{Snapshot: s})
			}
		},
	}, sessionCfg)
	if cfg.Session.RepairTimeoutMS > 0 {
		orch.SetRepairTimeout(time.Duration(cfg.Session.RepairTimeoutMS) * time.Millisecond)
	}

	if cfg.Session.PersistOutcomes {
		diagPath := cfg.Session.DiagnosticsPath
		if diagPath == "" {
			diagPath = filepath.Join(stateDir(), "diagnostics.db")
		}
		if diagStore, err := store.OpenDiagnostics(diagPath); err != nil {
			logger.Warn("diagnostics store unavailable", zap.Error(err))
		} else {
			defer diagStore.Close()
			orch.Diagnostics().SetSink(diagStore)
			if days := cfg.Session.HistoryRetention; days > 0 {
				if n, err := diagStore.Prune(time.Duration(days) * 24 * time.Hour); err == nil && n > 0 {
					logger.Info("pruned old diagnostics", zap.Int64("rows", n))
				}
			}
		}
	}

	watcher, err := config.NewWatcher(resolvedConfigPath(), settings, nil)
	if err == nil {
		if startErr := watcher.Start(); startErr != nil {
			logger.Warn("config watch unavailable", zap.Error(startErr))
		} else {
			defer watcher.Stop()
		}
	}

	program = tea.NewProgram(ui.NewModel(orch), tea.WithAltScreen())
	panel.AttachProgram(program)

	logger.Info("glimpse overlay starting",
		zap.String("model", settings.ModelName()),
		zap.String("config", resolvedConfigPath()))

	_, err = program.Run()
	return err
}

func runDiagnostics(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}
	diagPath := cfg.Session.DiagnosticsPath
	if diagPath == "" {
		diagPath = filepath.Join(stateDir(), "diagnostics.db")
	}
	diagStore, err := store.OpenDiagnostics(diagPath)
	if err != nil {
		return err
	}
	defer diagStore.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	recent, err := diagStore.Recent(limit)
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		fmt.Println("No session outcomes recorded yet.")
		return nil
	}
	for _, d := range recent {
		fmt.Println(ui.StatusLine(d))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
