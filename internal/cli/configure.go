package cli

import (
	"fmt"

	"github.com/harun/threadkeeper/internal/config"
	"github.com/harun/threadkeeper/internal/observability"
	"github.com/spf13/cobra"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up Threadkeeper.
The wizard asks for the responder provider, Telegram credentials and the
inactivity timings, then writes the configuration file.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.NewWizardIO(cmd.InOrStdin(), out).Run()
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	loader := config.NewLoader(cfgFile)
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	configPath := loader.GetConfigPath()
	observability.RecordConfigAudit(commandContext(cmd), "config_saved", "cli", map[string]interface{}{
		"path":     configPath,
		"provider": cfg.Responder.Provider,
		"telegram": cfg.Telegram.Enabled,
	})

	fmt.Fprintf(out, "\nConfiguration saved to: %s\n", configPath)
	fmt.Fprintln(out, "\nYou can now start Threadkeeper with: threadkeeper start")
	return nil
}
