package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leolilley/kiwi/internal/lockfile"
)

var (
	pruneDays  int
	pruneScope string
)

var lockfilesCmd = &cobra.Command{
	Use:   "lockfiles",
	Short: "Manage stored lockfiles",
}

var listScope string

var lockfilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored lockfiles across scopes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		exec, _, err := buildExecutor()
		if err != nil {
			return err
		}

		var scopes []lockfile.Scope
		if listScope != "" {
			scopes = append(scopes, lockfile.Scope(listScope))
		}

		entries, err := exec.Lockfiles().List(scopes...)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No lockfiles stored")
			return nil
		}

		for _, entry := range entries {
			latest := ""
			if entry.IsLatest {
				latest = "  (latest at freeze)"
			}
			fmt.Printf("%-8s %s/%s@%s  chain %s  %s%s\n",
				entry.Scope, entry.Category, entry.ToolID, entry.Version,
				entry.ChainHash, entry.GeneratedAt.Format("2006-01-02"), latest)
		}
		return nil
	},
}

var lockfilesShowCmd = &cobra.Command{
	Use:   "show <tool>[@version]",
	Short: "Print the stored lockfile for a tool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exec, _, err := buildExecutor()
		if err != nil {
			return err
		}

		toolID, version := splitToolRef(args[0])
		lf, err := exec.Lockfiles().Load(toolID, version, "")
		if err != nil {
			return err
		}
		if lf == nil {
			return fmt.Errorf("no lockfile found for %s", args[0])
		}
		return printJSON(lf)
	},
}

var lockfilesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete lockfiles older than the age threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		exec, ucfg, err := buildExecutor()
		if err != nil {
			return err
		}

		days := pruneDays
		if days == 0 {
			days = ucfg.PruneMaxAgeDays()
		}

		var scopes []lockfile.Scope
		if pruneScope != "" {
			scopes = append(scopes, lockfile.Scope(pruneScope))
		}

		count, err := exec.Lockfiles().PruneStale(days, scopes...)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d lockfile(s) older than %d days\n", count, days)
		return nil
	},
}

func init() {
	lockfilesPruneCmd.Flags().IntVar(&pruneDays, "days", 0, "Age threshold in days (default from config)")
	lockfilesPruneCmd.Flags().StringVar(&pruneScope, "scope", "", "Limit to one scope (project or user)")
	lockfilesListCmd.Flags().StringVar(&listScope, "scope", "", "Limit to one scope (project or user)")
	lockfilesCmd.AddCommand(lockfilesListCmd)
	lockfilesCmd.AddCommand(lockfilesShowCmd)
	lockfilesCmd.AddCommand(lockfilesPruneCmd)
}
