package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leolilley/kiwi/internal/lockfile"
)

var (
	freezeScope    string
	freezeCategory string
)

var freezeCmd = &cobra.Command{
	Use:   "freeze <tool>[@version]",
	Short: "Pin a tool's verified chain to a lockfile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exec, _, err := buildExecutor()
		if err != nil {
			return err
		}

		scope := lockfile.Scope(freezeScope)
		if scope != lockfile.ScopeProject && scope != lockfile.ScopeUser {
			return fmt.Errorf("invalid scope %q: must be project or user", freezeScope)
		}

		toolID, version := splitToolRef(args[0])
		fr, err := exec.Freeze(globalCtx, toolID, version)
		if err != nil {
			return err
		}

		path, err := exec.SaveLockfile(fr, freezeCategory, scope)
		if err != nil {
			return err
		}

		fmt.Printf("Frozen %s@%s (chain %s)\n", fr.Lockfile.Root.ToolID,
			fr.Lockfile.Root.Version, fr.Lockfile.ChainHash)
		fmt.Printf("  %s\n", path)
		if !fr.IsLatest {
			fmt.Println("  Note: a newer version exists in the registry")
		}
		return nil
	},
}

func init() {
	freezeCmd.Flags().StringVar(&freezeScope, "scope", string(lockfile.ScopeProject), "Lockfile scope (project or user)")
	freezeCmd.Flags().StringVar(&freezeCategory, "category", "", "Lockfile category")
}
