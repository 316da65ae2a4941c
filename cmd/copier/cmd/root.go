package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "copier",
	Short: "A signal-copier core for forex and CFD channels",
	Long: `Copier turns free-form trading-channel messages into sized, risk-checked
broker orders and manages them over their lifetime.

It provides:
  - Signal parsing with an external structured-extraction service
  - Risk-profile based position sizing with a daily drawdown guard
  - Market/limit order orchestration with CFD runner allocation
  - Missed-signal detection and management-instruction handling
  - A position monitor with breakeven and trailing stop phases`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
