// Package executor is the facade that drives a tool execution end to
// end: chain resolution, integrity verification, chain validation,
// lockfile policy, config merging, sink construction, and dispatch to
// the terminal primitive.
package executor

import (
	"time"

	"github.com/leolilley/kiwi/internal/lockfile"
	"github.com/leolilley/kiwi/internal/log"
	"github.com/leolilley/kiwi/internal/payload"
	"github.com/leolilley/kiwi/internal/registry"
	"github.com/leolilley/kiwi/internal/resolve"
	"github.com/leolilley/kiwi/internal/schema"
	"github.com/leolilley/kiwi/internal/signature"
	"github.com/leolilley/kiwi/internal/verify"
)

// Mode is the lockfile drift policy.
type Mode string

const (
	// ModeWarn surfaces drift as a warning and continues.
	ModeWarn Mode = "warn"
	// ModeStrict fails the call on any drift.
	ModeStrict Mode = "strict"
)

// Options control one execute call.
type Options struct {
	// UseLockfile pins the chain to the stored lockfile and compares the
	// fresh resolution against it.
	UseLockfile bool

	// LockfileMode is the drift policy. Empty means ModeWarn.
	LockfileMode Mode

	// VerifyIntegrity re-checks every link's canonical hash. Nil means
	// true; the explicit false opt-out exists for test harnesses.
	VerifyIntegrity *bool

	// ValidateChain checks children against parent schemas. Nil means
	// true.
	ValidateChain *bool

	// VerifySignatures checks manifest PGP signatures when present.
	VerifySignatures bool

	// Category classifies the lockfile location.
	Category string

	// Env is the caller-supplied environment map for ${VAR} template
	// references. The process environment is never consulted implicitly.
	Env map[string]string
}

func (o Options) verifyIntegrity() bool {
	return o.VerifyIntegrity == nil || *o.VerifyIntegrity
}

func (o Options) validateChain() bool {
	return o.ValidateChain == nil || *o.ValidateChain
}

func (o Options) mode() Mode {
	if o.LockfileMode == "" {
		return ModeWarn
	}
	return o.LockfileMode
}

// Executor owns the shared caches and subsystem instances for the
// lifetime of the process. It is safe for concurrent use; each execute
// call runs its stages sequentially while calls proceed in parallel.
type Executor struct {
	store       registry.Store
	resolver    *resolve.Resolver
	verifier    *verify.Verifier
	validator   *schema.Validator
	lockfiles   *lockfile.Manager
	keys        *signature.KeyCache
	stager      *payload.Stager
	registryURL string
	log         log.Logger
	now         func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLockfileManager wires the lockfile manager. Without one, lockfile
// options are rejected.
func WithLockfileManager(m *lockfile.Manager) Option {
	return func(e *Executor) { e.lockfiles = m }
}

// WithKeyCache wires the PGP key cache used for signature verification.
func WithKeyCache(k *signature.KeyCache) Option {
	return func(e *Executor) { e.keys = k }
}

// WithStager wires the payload stager used before subprocess execution.
func WithStager(s *payload.Stager) Option {
	return func(e *Executor) { e.stager = s }
}

// WithRegistryURL records the registry URL stamped into lockfiles.
func WithRegistryURL(url string) Option {
	return func(e *Executor) { e.registryURL = url }
}

// WithLogger sets the executor logger.
func WithLogger(l log.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an Executor over the given store. The resolver, verifier,
// and validator (with their caches) are owned by the returned instance.
func New(store registry.Store, opts ...Option) *Executor {
	e := &Executor{
		store: store,
		log:   log.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resolver = resolve.New(store, resolve.WithLogger(e.log))
	e.verifier = verify.New(verify.WithLogger(e.log))
	e.validator = schema.NewValidator(schema.WithLogger(e.log))
	return e
}

// Resolver exposes the chain resolver (cache invalidation, CLI).
func (e *Executor) Resolver() *resolve.Resolver { return e.resolver }

// Lockfiles exposes the lockfile manager, or nil when not configured.
func (e *Executor) Lockfiles() *lockfile.Manager { return e.lockfiles }
