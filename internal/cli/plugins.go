package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/pkg/plugin"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Inspect installed plugins",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins",
	RunE:  runPluginsList,
}

var pluginsAuditCmd = &cobra.Command{
	Use:   "audit <id>",
	Short: "Show the lifecycle audit trail for a plugin",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsAudit,
}

func init() {
	pluginsCmd.AddCommand(pluginsListCmd)
	pluginsCmd.AddCommand(pluginsAuditCmd)
	rootCmd.AddCommand(pluginsCmd)
}

func openStore() (*plugin.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return plugin.OpenStore(filepath.Join(cfg.DataDir, "plugins.db"), zerolog.Nop())
}

func runPluginsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	states, err := store.GetAll()
	if err != nil {
		return fmt.Errorf("failed to read plugins: %w", err)
	}

	if len(states) == 0 {
		fmt.Println("No plugins installed")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVERSION\tENABLED\tBUNDLED\tINSTALLED")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n",
			s.Manifest.ID, s.Manifest.Name, s.Manifest.Version,
			s.Enabled, s.Bundled, s.InstalledAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runPluginsAudit(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.AuditLog(args[0], 50)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Action, e.Detail)
	}
	return w.Flush()
}
