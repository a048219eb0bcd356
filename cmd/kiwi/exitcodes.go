package main

import (
	"errors"
	"os"

	"github.com/leolilley/kiwi/internal/executor"
	"github.com/leolilley/kiwi/internal/lockfile"
	"github.com/leolilley/kiwi/internal/registry"
)

// Exit codes for different error types.
// These enable scripts to distinguish between failure modes.
const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0

	// ExitGeneral indicates a general error
	ExitGeneral = 1

	// ExitUsage indicates invalid arguments or usage error
	ExitUsage = 2

	// ExitToolNotFound indicates the tool was not found in the registry
	ExitToolNotFound = 3

	// ExitNetwork indicates a registry or network error
	ExitNetwork = 5

	// ExitVerifyFailed indicates integrity or validation failed
	ExitVerifyFailed = 7

	// ExitLockfileMismatch indicates strict-mode lockfile drift
	ExitLockfileMismatch = 8

	// ExitCancelled indicates the operation was interrupted
	ExitCancelled = 130
)

// exitCodeFor maps a pipeline error to its exit code.
func exitCodeFor(err error) int {
	if registry.NotFound(err) {
		return ExitToolNotFound
	}
	var re *registry.Error
	if errors.As(err, &re) {
		return ExitNetwork
	}
	var me *lockfile.MismatchError
	if errors.As(err, &me) {
		return ExitLockfileMismatch
	}
	var se *executor.StageError
	if errors.As(err, &se) {
		switch se.Stage {
		case executor.StageVerifying, executor.StageValidating:
			return ExitVerifyFailed
		}
	}
	return ExitGeneral
}

// exitWithCode exits with the specified exit code
func exitWithCode(code int) {
	os.Exit(code)
}
