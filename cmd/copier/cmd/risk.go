package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fxsignals/copier/config"
	"github.com/fxsignals/copier/logging"
	"github.com/fxsignals/copier/risk"
)

var riskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Inspect or change risk profiles",
	Long: `Inspect or change the persisted risk configuration.

Examples:
  copier risk show --config copier.yaml
  copier risk preset aggressive --config copier.yaml
  copier risk preset conservative --config copier.yaml --account acct-2`,
}

var riskShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective risk profile",
	RunE:  runRiskShow,
}

var riskPresetCmd = &cobra.Command{
	Use:   "preset <conservative|balanced|aggressive>",
	Short: "Apply a named preset",
	Args:  cobra.ExactArgs(1),
	RunE:  runRiskPreset,
}

var (
	riskConfigPath string
	riskAccount    string
)

func init() {
	rootCmd.AddCommand(riskCmd)
	riskCmd.AddCommand(riskShowCmd)
	riskCmd.AddCommand(riskPresetCmd)

	riskCmd.PersistentFlags().StringVarP(&riskConfigPath, "config", "f", "", "path to config file (required)")
	riskCmd.PersistentFlags().StringVar(&riskAccount, "account", "", "account ID (default: the configured account)")
	riskCmd.MarkPersistentFlagRequired("config")
}

func openRiskStore() (*risk.Store, string, error) {
	cfg, err := config.LoadFromFile(riskConfigPath)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}

	account := riskAccount
	if account == "" {
		account = cfg.Account.ID
	}

	store, err := risk.OpenStore(cfg.Files.RiskConfig, logging.Discard())
	if err != nil {
		return nil, "", fmt.Errorf("open risk store: %w", err)
	}
	return store, account, nil
}

func runRiskShow(cmd *cobra.Command, args []string) error {
	store, account, err := openRiskStore()
	if err != nil {
		return err
	}

	p := store.ProfileFor(account)
	fmt.Printf("Account %s: %s\n", account, risk.DetectPreset(p))
	fmt.Printf("  FOREX:  %.2f%% (reduced %.2f%%)\n", p.Forex.Default*100, p.Forex.Reduced*100)
	fmt.Printf("  CFD:    %.2f%% (reduced %.2f%%)\n", p.CFD.Default*100, p.CFD.Reduced*100)
	fmt.Printf("  XAUUSD: %.2f%% (reduced %.2f%%)\n", p.Gold.Default*100, p.Gold.Reduced*100)
	fmt.Printf("  Daily drawdown: %.1f%%\n", p.DrawdownPct)
	fmt.Printf("  TP selection: %s\n", p.TPSelection.Mode)
	return nil
}

func runRiskPreset(cmd *cobra.Command, args []string) error {
	store, account, err := openRiskStore()
	if err != nil {
		return err
	}

	if err := store.ApplyPreset(args[0], account); err != nil {
		return err
	}
	fmt.Printf("Applied %s preset to account %s\n", args[0], account)
	return nil
}
