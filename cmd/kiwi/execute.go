package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leolilley/kiwi/internal/executor"
	"github.com/leolilley/kiwi/internal/userconfig"
)

var (
	executeParams     []string
	executeLockfile   bool
	executeStrict     bool
	executeNoVerify   bool
	executeNoValidate bool
	executeCategory   string
	executeEnv        []string
)

var executeCmd = &cobra.Command{
	Use:   "execute <tool> [--param key=value ...]",
	Short: "Resolve, verify, and execute a tool's chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exec, ucfg, err := buildExecutor()
		if err != nil {
			return err
		}

		params, err := parseParams(executeParams)
		if err != nil {
			return err
		}
		env := map[string]string{}
		for _, pair := range executeEnv {
			key, value, found := strings.Cut(pair, "=")
			if !found || key == "" {
				return fmt.Errorf("invalid env entry %q: expected KEY=value", pair)
			}
			env[key] = value
		}

		opts := executor.Options{
			UseLockfile: executeLockfile,
			Category:    executeCategory,
			Env:         env,
		}
		if executeStrict || ucfg.LockfileMode() == userconfig.LockfileModeStrict {
			opts.LockfileMode = executor.ModeStrict
		}
		if executeNoVerify || !ucfg.VerifyIntegrityEnabled() {
			off := false
			opts.VerifyIntegrity = &off
		}
		if executeNoValidate || !ucfg.ValidateChainEnabled() {
			off := false
			opts.ValidateChain = &off
		}
		opts.VerifySignatures = ucfg.VerifySignaturesEnabled()

		result, err := exec.Execute(globalCtx, args[0], params, opts)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

func init() {
	executeCmd.Flags().StringArrayVarP(&executeParams, "param", "p", nil, "Runtime parameter (key=value, JSON values recognised)")
	executeCmd.Flags().StringArrayVar(&executeEnv, "env", nil, "Template environment variable (KEY=value)")
	executeCmd.Flags().BoolVar(&executeLockfile, "lockfile", false, "Execute against the stored lockfile")
	executeCmd.Flags().BoolVar(&executeStrict, "strict", false, "Fail on lockfile drift instead of warning")
	executeCmd.Flags().BoolVar(&executeNoVerify, "no-verify", false, "Skip integrity verification (test harnesses only)")
	executeCmd.Flags().BoolVar(&executeNoValidate, "no-validate", false, "Skip chain validation")
	executeCmd.Flags().StringVar(&executeCategory, "category", "", "Lockfile category")
}
