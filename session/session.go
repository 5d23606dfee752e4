// Package session owns the authentication lifecycle: the state machine that
// decides when a persisted session artifact is reused, when a fresh login
// happens, and how interactive verification challenges are handled.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is the process-local authentication state for one run.
type State int

const (
	// NoSession means no usable artifact is loaded and no login has happened.
	NoSession State = iota
	// Authenticating means a login is in flight.
	Authenticating
	// Authenticated means an artifact is loaded or a login succeeded.
	// Artifact reuse is optimistic: validity is only proven by the first
	// authenticated operation that succeeds.
	Authenticated
	// Challenged means the source demanded interactive verification that a
	// human must complete out of band.
	Challenged
	// Failed is terminal for the run.
	Failed
)

func (s State) String() string {
	switch s {
	case NoSession:
		return "no_session"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Challenged:
		return "challenged"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrAuthenticationFailed reports that a login was submitted and rejected, or
// that re-login after an artifact-reuse failure was exhausted.
var ErrAuthenticationFailed = errors.New("authentication failed")

// ErrChallengeTimeout reports that an interactive verification was not
// resolved within the configured wait.
var ErrChallengeTimeout = errors.New("challenge not resolved before timeout")

// ChallengeError indicates the source presented an interactive verification
// page instead of completing the login.
type ChallengeError struct {
	URL string
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("verification challenge at %s", e.URL)
}

// IsChallenge checks whether an error is a challenge detection.
func IsChallenge(err error) bool {
	var ch *ChallengeError
	return errors.As(err, &ch)
}

// Credentials for auto-login.
type Credentials struct {
	Email    string
	Password string
}

// Authenticator performs the interactive login against the source.
// Implemented by extract.Client.
type Authenticator interface {
	// Login submits the credentials and returns the captured artifact.
	// Returns a *ChallengeError when the source demands interactive
	// verification instead.
	Login(ctx context.Context, creds Credentials) (*Artifact, error)

	// ChallengeResolved polls whether a pending challenge has been completed
	// out of band. It returns the captured artifact once the session is
	// usable, or nil while the challenge is still pending.
	ChallengeResolved(ctx context.Context) (*Artifact, error)
}

// Config controls the manager's behavior for a run.
type Config struct {
	AutoLogin        bool
	Credentials      Credentials
	ChallengeTimeout time.Duration // bounded wait for out-of-band resolution
	ChallengePoll    time.Duration // how often to re-check during the wait
}

const (
	defaultChallengeTimeout = 2 * time.Minute
	defaultChallengePoll    = 5 * time.Second
)

// Manager drives the authentication state machine for a single run.
// It is not safe for concurrent use; the run executes queries sequentially
// against one authenticated context.
type Manager struct {
	store  ArtifactStore
	auth   Authenticator
	cfg    Config
	logger *slog.Logger

	state     State
	artifact  *Artifact
	loadedSig string // signature of the artifact as loaded, for save-on-change
	reloginOK bool   // one re-login is allowed after an artifact-reuse failure
}

// NewManager creates a session manager in the NoSession state.
func NewManager(store ArtifactStore, auth Authenticator, cfg Config, logger *slog.Logger) *Manager {
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = defaultChallengeTimeout
	}
	if cfg.ChallengePoll <= 0 {
		cfg.ChallengePoll = defaultChallengePoll
	}
	return &Manager{
		store:     store,
		auth:      auth,
		cfg:       cfg,
		logger:    logger,
		state:     NoSession,
		reloginOK: true,
	}
}

// State returns the current authentication state.
func (m *Manager) State() State { return m.state }

// Artifact returns the artifact backing the current session, or nil.
func (m *Manager) Artifact() *Artifact { return m.artifact }

// EnsureAuthenticated moves the machine to a usable state at run start.
// A stored artifact is reused optimistically without contacting the source.
// With auto-login enabled and no artifact, a fresh login is performed.
// With neither, the state stays NoSession and the run proceeds
// unauthenticated; that is not an error here.
func (m *Manager) EnsureAuthenticated(ctx context.Context) (State, error) {
	switch m.state {
	case Authenticated:
		return m.state, nil
	case Failed:
		return m.state, ErrAuthenticationFailed
	case Authenticating, Challenged:
		// A run drives the manager sequentially, so these are transient
		// states that EnsureAuthenticated never observes.
	case NoSession:
	}

	art, err := m.store.Load(ctx)
	if err != nil {
		return m.state, fmt.Errorf("load session artifact: %w", err)
	}
	if art != nil {
		m.artifact = art
		m.loadedSig = art.Signature()
		m.state = Authenticated
		m.logger.Info("Reusing stored session artifact",
			"captured_at", art.CapturedAt.Format(time.RFC3339),
			"age", time.Since(art.CapturedAt).Round(time.Minute).String())
		return m.state, nil
	}

	if !m.cfg.AutoLogin || m.cfg.Credentials.Email == "" {
		m.logger.Info("No session artifact and auto-login disabled, proceeding unauthenticated")
		m.state = NoSession
		return m.state, nil
	}

	if err := m.login(ctx); err != nil {
		return m.state, err
	}
	return m.state, nil
}

// ReportUnauthenticated is called when an authenticated operation failed with
// an unauthenticated signal from the source. The stored artifact is treated
// as stale and at most one re-login is attempted for the whole run; a second
// signal lands in Failed without contacting the source again.
func (m *Manager) ReportUnauthenticated(ctx context.Context) (State, error) {
	m.logger.Warn("Session rejected by source", "state", m.state.String())
	m.artifact = nil
	m.state = NoSession

	if !m.reloginOK {
		m.state = Failed
		return m.state, fmt.Errorf("re-login already attempted this run: %w", ErrAuthenticationFailed)
	}
	m.reloginOK = false

	if !m.cfg.AutoLogin || m.cfg.Credentials.Email == "" {
		m.state = Failed
		return m.state, fmt.Errorf("no credentials for re-login: %w", ErrAuthenticationFailed)
	}

	if err := m.login(ctx); err != nil {
		return m.state, err
	}
	return m.state, nil
}

// ReportChallenge is called when an operation ran into an interactive
// verification page mid-run. It waits for out-of-band resolution within the
// configured timeout.
func (m *Manager) ReportChallenge(ctx context.Context) (State, error) {
	m.state = Challenged
	if err := m.awaitChallengeResolution(ctx); err != nil {
		return m.state, err
	}
	return m.state, nil
}

// login submits the credentials once. It never runs more than once per
// ReportUnauthenticated cycle; lockout amplification is the thing to avoid.
func (m *Manager) login(ctx context.Context) error {
	m.state = Authenticating
	m.logger.Info("Submitting login", "email", m.cfg.Credentials.Email)

	art, err := m.auth.Login(ctx, m.cfg.Credentials)
	switch {
	case err == nil:
		m.artifact = art
		m.state = Authenticated
		m.logger.Info("Login succeeded", "captured_at", art.CapturedAt.Format(time.RFC3339))
		return nil
	case IsChallenge(err):
		m.logger.Warn("Login hit a verification challenge", "error", err)
		m.state = Challenged
		return m.awaitChallengeResolution(ctx)
	default:
		m.state = Failed
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
}

// awaitChallengeResolution polls the authenticator until the challenge is
// resolved or the bounded wait expires. A failure here never touches a
// previously saved artifact.
func (m *Manager) awaitChallengeResolution(ctx context.Context) error {
	deadline := time.Now().Add(m.cfg.ChallengeTimeout)
	m.logger.Info("Waiting for out-of-band challenge resolution",
		"timeout", m.cfg.ChallengeTimeout.String())

	ticker := time.NewTicker(m.cfg.ChallengePoll)
	defer ticker.Stop()

	for {
		art, err := m.auth.ChallengeResolved(ctx)
		if err != nil {
			m.logger.Warn("Challenge re-check failed", "error", err)
		} else if art != nil {
			m.artifact = art
			m.state = Authenticated
			m.logger.Info("Challenge resolved, session captured")
			return nil
		}

		if time.Now().After(deadline) {
			m.state = Failed
			return ErrChallengeTimeout
		}

		select {
		case <-ctx.Done():
			m.state = Failed
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Persist saves the current artifact at run end. The write is skipped when
// the artifact is byte-identical to what was loaded, so a secret-bearing
// file is not churned needlessly. A run that ended in Failed saves nothing:
// a bad artifact is only ever replaced by a newly successful login.
func (m *Manager) Persist(ctx context.Context) error {
	if m.state != Authenticated || m.artifact == nil {
		return nil
	}
	sig := m.artifact.Signature()
	if sig == m.loadedSig {
		m.logger.Debug("Session artifact unchanged, skipping save")
		return nil
	}
	if err := m.store.Save(ctx, m.artifact); err != nil {
		return fmt.Errorf("save session artifact: %w", err)
	}
	m.loadedSig = sig
	m.logger.Info("Session artifact saved",
		"captured_at", m.artifact.CapturedAt.Format(time.RFC3339))
	return nil
}
