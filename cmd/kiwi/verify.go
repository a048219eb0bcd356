package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/leolilley/kiwi/internal/executor"
)

// verifyConcurrency caps parallel chain verifications.
const verifyConcurrency = 4

var verifyCmd = &cobra.Command{
	Use:   "verify <tool>...",
	Short: "Resolve and verify tool chains without executing them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exec, _, err := buildExecutor()
		if err != nil {
			return err
		}

		var mu sync.Mutex
		group, ctx := errgroup.WithContext(globalCtx)
		group.SetLimit(verifyConcurrency)

		for _, ref := range args {
			group.Go(func() error {
				toolID, version := splitToolRef(ref)
				fr, err := exec.Freeze(ctx, toolID, version)
				if err != nil {
					fmt.Fprintf(os.Stderr, "✗ %s: %v\n", ref, err)
					return err
				}

				mu.Lock()
				defer mu.Unlock()
				printFrozenChain(ref, fr)
				return nil
			})
		}
		return group.Wait()
	},
}

func printFrozenChain(ref string, fr *executor.FreezeResult) {
	fmt.Printf("✓ %s verifies (%d link(s), chain %s)\n",
		ref, len(fr.Lockfile.ResolvedChain), fr.Lockfile.ChainHash)
	for _, link := range fr.Lockfile.ResolvedChain {
		fmt.Printf("    %s@%s  %.12s\n", link.ToolID, link.Version, link.Integrity)
	}
}
