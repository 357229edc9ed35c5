// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sshsession manages SSH sessions backed by ControlMaster sockets.
//
// A Manager opens a persistent control master per session, runs remote
// commands over it, and tears it down on request or after an idle timeout.
// Every operation returns a *Result describing the outcome; failures are
// reported in the result rather than as Go errors.
package sshsession

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sshlog "github.com/tombee/ssh-mcp/internal/log"
	"github.com/tombee/ssh-mcp/internal/runner"
	"github.com/tombee/ssh-mcp/internal/secrets"
	sshmcperrors "github.com/tombee/ssh-mcp/pkg/errors"
)

const (
	tracerName = "github.com/tombee/ssh-mcp/internal/sshsession"

	// maxIDAttempts bounds session id generation against collisions.
	maxIDAttempts = 50
)

// Defaults applied by NewManager to zero-valued Config fields.
const (
	DefaultCommand         = "ssh"
	DefaultTimeout         = 60 * time.Second
	DefaultMaxCommandChars = 4000
	DefaultMaxOutputChars  = 20000
	DefaultIdleTimeout     = 300 * time.Second
	DefaultMaxSessions     = 32
)

// DefaultHealthCheckArgs are appended to the ssh command by HealthCheck.
var DefaultHealthCheckArgs = []string{"-V"}

// Config holds the manager settings.
type Config struct {
	// Command is the ssh executable (default: "ssh").
	Command string

	// BaseArgs are inserted after Command in every invocation.
	BaseArgs []string

	// Timeout bounds every local ssh invocation.
	Timeout time.Duration

	// AllowedHosts restricts reachable hosts; empty allows any.
	AllowedHosts []string

	DefaultHost string
	DefaultUser string
	DefaultPort int

	MaxCommandChars int
	MaxOutputChars  int

	// HealthCheckArgs are appended by HealthCheck. Nil selects
	// DefaultHealthCheckArgs; an empty non-nil slice skips the probe.
	HealthCheckArgs []string

	// IdleTimeout expires unused sessions and is passed to ssh as
	// ControlPersist.
	IdleTimeout time.Duration

	MaxSessions int

	// SessionDir holds control sockets. Empty selects a fresh temporary
	// directory that Shutdown removes.
	SessionDir string

	// FallbackSocketDir is used when SessionDir paths are too long.
	FallbackSocketDir string

	// Password enables askpass-based password authentication when set.
	Password secrets.PasswordSource
}

func (c *Config) applyDefaults() {
	if c.Command == "" {
		c.Command = DefaultCommand
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxCommandChars <= 0 {
		c.MaxCommandChars = DefaultMaxCommandChars
	}
	if c.MaxOutputChars <= 0 {
		c.MaxOutputChars = DefaultMaxOutputChars
	}
	if c.HealthCheckArgs == nil {
		c.HealthCheckArgs = DefaultHealthCheckArgs
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
}

// OpenRequest are the caller inputs of Open.
type OpenRequest struct {
	Host string
	User string
	// Port is nil when the caller did not supply one.
	Port *int
	Cwd  string
}

// ExecRequest are the caller inputs of Exec.
type ExecRequest struct {
	SessionID string
	Command   string
	Cwd       string
}

// Manager runs the session lifecycle. It is safe for concurrent use.
type Manager struct {
	cfg      Config
	resolver *Resolver
	store    *Store
	paths    *socketPaths
	runner   runner.Runner
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() (string, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner replaces the exec-backed runner.
func WithRunner(r runner.Runner) Option {
	return func(m *Manager) { m.runner = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock replaces time.Now for session timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the random session id generator.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) { m.tracer = tracer }
}

// NewManager creates a Manager and its socket directory.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	cfg.applyDefaults()

	paths, err := newSocketPaths(cfg.SessionDir, cfg.FallbackSocketDir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg: cfg,
		resolver: &Resolver{
			AllowedHosts: cfg.AllowedHosts,
			DefaultHost:  cfg.DefaultHost,
			DefaultUser:  cfg.DefaultUser,
			DefaultPort:  cfg.DefaultPort,
		},
		store:  NewStore(),
		paths:  paths,
		runner: runner.New(),
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
		newID:  randomID,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = sshlog.WithComponent(m.logger, "sshsession")

	return m, nil
}

// SessionDir returns the directory holding control sockets.
func (m *Manager) SessionDir() string {
	return m.paths.root
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	return m.store.Count()
}

// HealthCheck verifies that the ssh executable exists and runs the health
// probe.
func (m *Manager) HealthCheck(ctx context.Context) *Result {
	ctx, span := m.startSpan(ctx, ActionHealthCheck)
	defer span.End()
	start := time.Now()

	res := &Result{Action: ActionHealthCheck, Command: m.healthArgv()}
	defer m.finish(span, res, start)

	if _, err := m.runner.LookPath(m.cfg.Command); err != nil {
		return res.fail(&sshmcperrors.ConfigError{
			Key:    "ssh.command",
			Reason: fmt.Sprintf("SSH command '%s' was not found.", m.cfg.Command),
			Cause:  err,
		})
	}
	if len(m.cfg.HealthCheckArgs) == 0 {
		res.OK = true
		return res
	}

	m.run(ctx, res, nil)
	return res
}

// Open establishes a control master and registers a new session.
func (m *Manager) Open(ctx context.Context, req OpenRequest) *Result {
	ctx, span := m.startSpan(ctx, ActionOpenSession)
	defer span.End()
	start := time.Now()

	res := &Result{Action: ActionOpenSession}
	defer m.finish(span, res, start)

	m.SweepExpired(ctx)

	target, err := m.resolver.Resolve(req.Host, req.User, req.Port)
	if err != nil {
		return res.fail(err).withCount(m.store.Count())
	}
	res.Destination = target.Destination
	res.Host = target.Host
	res.User = target.User
	res.Port = target.Port

	cwd, err := NormalizeCwd(req.Cwd)
	if err != nil {
		return res.fail(err).withCount(m.store.Count())
	}
	res.Cwd = cwd

	if err := m.store.EnsureCapacity(m.cfg.MaxSessions); err != nil {
		return res.fail(err).withCount(m.store.Count())
	}

	env, err := m.passwordEnv(ctx)
	if err != nil {
		return res.fail(err).withCount(m.store.Count())
	}

	id, err := m.allocateID()
	if err != nil {
		return res.fail(err).withCount(m.store.Count())
	}
	res.SessionID = id

	controlPath, err := m.paths.controlPath(id)
	if err != nil {
		return res.fail(err).withCount(m.store.Count())
	}

	res.Command = m.openArgv(target, controlPath, env != nil)
	span.SetAttributes(
		attribute.String("ssh.session_id", id),
		attribute.String("ssh.destination", target.Destination),
	)

	if !m.run(ctx, res, env) {
		if err := removeSocket(controlPath); err != nil {
			m.logger.Debug("failed to remove control socket", slog.String("path", controlPath), sshlog.Error(err))
		}
		return res.withCount(m.store.Count())
	}

	now := m.now()
	sess := Session{
		ID:          id,
		Host:        target.Host,
		User:        target.User,
		Port:        target.Port,
		Destination: target.Destination,
		ControlPath: controlPath,
		DefaultCwd:  cwd,
		CreatedAt:   now,
		LastUsedAt:  now,
	}

	if err := m.store.Add(sess, m.cfg.MaxSessions); err != nil {
		// Another open won the last slot while this master was starting.
		m.terminate(ctx, sess)
		return res.fail(err).withCount(m.store.Count())
	}
	sessionsActive.Set(float64(m.store.Count()))

	sshlog.WithSession(m.logger, id, target.Destination).Info("session opened")
	return res.withSession(sess).withCount(m.store.Count())
}

// Exec runs a remote command over an existing session.
func (m *Manager) Exec(ctx context.Context, req ExecRequest) *Result {
	ctx, span := m.startSpan(ctx, ActionExec)
	defer span.End()
	start := time.Now()

	res := &Result{Action: ActionExec}
	defer m.finish(span, res, start)

	m.SweepExpired(ctx)

	id, err := NormalizeSessionID(req.SessionID)
	if err != nil {
		return res.fail(err).withCount(m.store.Count())
	}
	res.SessionID = id

	command, err := NormalizeRemoteCommand(req.Command, m.cfg.MaxCommandChars)
	if err != nil {
		return res.fail(err).withCount(m.store.Count())
	}

	cwd, err := NormalizeCwd(req.Cwd)
	if err != nil {
		return res.fail(err).withCount(m.store.Count())
	}

	sess, ok := m.store.Get(id)
	if !ok {
		return res.fail(&sshmcperrors.NotFoundError{
			Resource: "session",
			ID:       id,
			Message:  fmt.Sprintf("Session '%s' was not found or has expired.", id),
		}).withCount(m.store.Count())
	}
	res.withSession(sess)
	span.SetAttributes(
		attribute.String("ssh.session_id", id),
		attribute.String("ssh.destination", sess.Destination),
	)

	if cwd == "" {
		cwd = sess.DefaultCwd
	}
	res.Cwd = cwd
	res.RemoteCommand = composeRemoteCommand(command, cwd)
	res.Command = m.execArgv(sess, res.RemoteCommand)

	m.run(ctx, res, nil)

	// A failed command still counts as use of the session.
	if touched, ok := m.store.Touch(id, m.now()); ok {
		res.withSession(touched)
	}
	return res.withCount(m.store.Count())
}

// Close tears down a session's control master and forgets the session.
func (m *Manager) Close(ctx context.Context, sessionID string) *Result {
	ctx, span := m.startSpan(ctx, ActionCloseSession)
	defer span.End()
	start := time.Now()

	res := &Result{Action: ActionCloseSession}
	defer m.finish(span, res, start)

	m.SweepExpired(ctx)

	id, err := NormalizeSessionID(sessionID)
	if err != nil {
		return res.fail(err).withCount(m.store.Count())
	}
	res.SessionID = id

	sess, ok := m.store.Pop(id)
	if !ok {
		return res.fail(&sshmcperrors.NotFoundError{
			Resource: "session",
			ID:       id,
			Message:  fmt.Sprintf("Session '%s' was not found or has already been closed.", id),
		}).withCount(m.store.Count())
	}
	sessionsActive.Set(float64(m.store.Count()))
	res.withSession(sess)
	span.SetAttributes(
		attribute.String("ssh.session_id", id),
		attribute.String("ssh.destination", sess.Destination),
	)

	res.Command = m.closeArgv(sess)
	// The session is already out of the store, so the exit request must run
	// even if the caller gives up.
	m.run(context.WithoutCancel(ctx), res, nil)

	if err := removeSocket(sess.ControlPath); err != nil {
		m.logger.Warn("failed to remove control socket",
			slog.String("path", sess.ControlPath), sshlog.Error(err))
	}

	sshlog.WithSession(m.logger, id, sess.Destination).Info("session closed", slog.Bool("ok", res.OK))
	return res.withCount(m.store.Count())
}

// List returns the live sessions after sweeping expired ones.
func (m *Manager) List(ctx context.Context) *Result {
	ctx, span := m.startSpan(ctx, ActionListSessions)
	defer span.End()
	start := time.Now()

	res := &Result{Action: ActionListSessions, OK: true}
	defer m.finish(span, res, start)

	m.SweepExpired(ctx)

	sessions := m.store.List()
	now := m.now()
	res.Sessions = make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		res.Sessions = append(res.Sessions, newSessionInfo(sess, now))
	}
	return res.withCount(len(sessions))
}

// SweepExpired closes every session idle for at least the idle timeout and
// returns how many were closed. Teardown failures are logged and ignored.
func (m *Manager) SweepExpired(ctx context.Context) int {
	expired := m.store.RemoveExpired(m.cfg.IdleTimeout, m.now())
	if len(expired) == 0 {
		return 0
	}
	sessionsActive.Set(float64(m.store.Count()))

	for _, sess := range expired {
		sshlog.WithSession(m.logger, sess.ID, sess.Destination).Info("session expired",
			slog.Time("last_used_at", sess.LastUsedAt))
		m.terminate(ctx, sess)
		sessionsExpiredTotal.Inc()
	}
	return len(expired)
}

// Shutdown closes every session and removes a temporary session directory.
func (m *Manager) Shutdown(ctx context.Context) error {
	sessions := m.store.Drain()
	sessionsActive.Set(0)

	for _, sess := range sessions {
		m.terminate(ctx, sess)
	}
	if len(sessions) > 0 {
		m.logger.Info("closed sessions on shutdown", slog.Int("count", len(sessions)))
	}
	return m.paths.cleanup()
}

// terminate asks the master to exit and removes its socket, ignoring
// failures. The exit request outlives a cancelled caller context.
func (m *Manager) terminate(ctx context.Context, sess Session) {
	out, err := m.runner.Run(context.WithoutCancel(ctx), runner.Request{
		Argv:    m.closeArgv(sess),
		Timeout: m.cfg.Timeout,
	})
	logger := sshlog.WithSession(m.logger, sess.ID, sess.Destination)
	switch {
	case err != nil:
		logger.Debug("control master exit failed", sshlog.Error(err))
	case out.ExitCode != 0:
		logger.Debug("control master exit returned non-zero", slog.Int("exit_code", out.ExitCode))
	}
	if err := removeSocket(sess.ControlPath); err != nil {
		logger.Debug("failed to remove control socket", slog.String("path", sess.ControlPath), sshlog.Error(err))
	}
}

// run executes res.Command and records the outcome in res. It reports
// whether the command ran and exited zero.
func (m *Manager) run(ctx context.Context, res *Result, env []string) bool {
	out, err := m.runner.Run(ctx, runner.Request{
		Argv:    res.Command,
		Env:     env,
		Timeout: m.cfg.Timeout,
	})

	if out != nil {
		res.Stdout = runner.NormalizeOutput(out.Stdout, m.cfg.MaxOutputChars)
		res.Stderr = runner.NormalizeOutput(out.Stderr, m.cfg.MaxOutputChars)
		ms := out.Duration.Milliseconds()
		res.DurationMs = &ms
	}

	if err != nil {
		res.fail(err)
		if sshmcperrors.TypeOf(err) == sshmcperrors.TypeTimeout {
			res.ErrorMessage = fmt.Sprintf("Command timed out after %d seconds.", int(m.cfg.Timeout.Seconds()))
		}
		return false
	}

	exitCode := out.ExitCode
	res.ExitCode = &exitCode
	if exitCode != 0 {
		res.fail(&sshmcperrors.ExecutionError{
			Command:  m.cfg.Command,
			ExitCode: exitCode,
			Message:  fmt.Sprintf("Command exited with status %d.", exitCode),
		})
		return false
	}

	res.OK = true
	return true
}

func (m *Manager) allocateID() (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id, err := m.newID()
		if err != nil {
			return "", &sshmcperrors.ValidationError{
				Field:   "session_id",
				Message: fmt.Sprintf("Failed to generate session_id: %v", err),
			}
		}
		if _, exists := m.store.Get(id); !exists {
			return id, nil
		}
	}
	return "", &sshmcperrors.ValidationError{
		Field:   "session_id",
		Message: "Failed to allocate a unique session_id.",
	}
}

func (m *Manager) startSpan(ctx context.Context, action string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "ssh."+action,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("ssh.action", action)),
	)
}

// finish records metrics, span status and a log line for a completed
// operation.
func (m *Manager) finish(span trace.Span, res *Result, start time.Time) {
	elapsed := time.Since(start)
	recordOperation(res, elapsed.Seconds())

	if res.OK {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetAttributes(attribute.String("ssh.error_type", res.ErrorType))
		span.SetStatus(codes.Error, res.ErrorMessage)
	}

	m.logger.Debug("operation finished",
		slog.String(sshlog.ActionKey, res.Action),
		slog.Bool("ok", res.OK),
		slog.String(sshlog.ErrorTypeKey, res.ErrorType),
		slog.Int64(sshlog.DurationKey, elapsed.Milliseconds()),
	)
}

// randomID returns eight lowercase hex characters.
func randomID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
