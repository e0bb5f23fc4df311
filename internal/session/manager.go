// Package session orchestrates session start, status, extend, and stop
// across the port allocator, cluster driver, sandbox driver, and
// session store.
//
// Start is an explicit linear pipeline of steps, each paired with a
// compensator pushed onto a stack as soon as the step succeeds. Any
// later step's failure unwinds the stack in reverse before the session
// is marked Failed and the error returned.
package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ckadlab/orchestrator/internal/apperr"
	"github.com/ckadlab/orchestrator/internal/clusterdriver"
	"github.com/ckadlab/orchestrator/internal/db"
	"github.com/ckadlab/orchestrator/internal/events"
	"github.com/ckadlab/orchestrator/internal/portlease"
	"github.com/ckadlab/orchestrator/internal/sandboxdriver"
)

// Deadlines applied to every external driver call so a hung Docker
// daemon can never block start or stop indefinitely.
const (
	clusterCreateTimeout = 180 * time.Second
	sandboxCreateTimeout = 30 * time.Second
	clusterDeleteTimeout = 60 * time.Second
	sandboxRemoveTimeout = 30 * time.Second
)

// compensator undoes the effect of a successful step. Compensators must
// themselves be safe to call against partial or already-torn-down state
// (the teardown path and the compensation path share the same
// primitives: Release, cluster Delete, sandbox Remove are all
// idempotent).
type compensator func(ctx context.Context)

// portLeaser is the subset of portlease.Allocator the Manager needs,
// kept narrow (matching reaper.Stopper's pattern) so tests can supply a
// fake instead of a live database-backed allocator.
type portLeaser interface {
	Lease(ctx context.Context, sessionID string) (*portlease.Leased, error)
	Release(ctx context.Context, sessionID string) error
}

// clusterProvisioner is the subset of clusterdriver.Driver the Manager
// needs.
type clusterProvisioner interface {
	Create(ctx context.Context, clusterName string, ports clusterdriver.Ports) (kubeconfigPath string, elapsed time.Duration, err error)
	Delete(ctx context.Context, clusterName string) error
}

// sandboxProvisioner is the subset of sandboxdriver.Driver the Manager
// needs.
type sandboxProvisioner interface {
	Create(ctx context.Context, sessionID, networkName, kubeconfigPath string, res sandboxdriver.Resources) (string, error)
	Remove(ctx context.Context, sandboxHandle string) error
}

// Manager coordinates a session's lifecycle across collaborators.
type Manager struct {
	store     *db.SessionStore
	data      *db.DB
	ports     portLeaser
	clusters  clusterProvisioner
	sandboxes sandboxProvisioner
	publisher *events.Publisher
	log       zerolog.Logger

	ttlMinutes       int
	extensionMinutes int
	tasksPerSession  int
	maxConcurrent    int
	sandboxResources sandboxdriver.Resources
}

// Config bundles the tunables Start needs that come from process
// configuration rather than the request.
type Config struct {
	TTLMinutes       int
	ExtensionMinutes int
	TasksPerSession  int
	MaxConcurrent    int
	SandboxResources sandboxdriver.Resources
}

func New(store *db.SessionStore, data *db.DB, ports portLeaser, clusters clusterProvisioner, sandboxes sandboxProvisioner, publisher *events.Publisher, cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		store:            store,
		data:             data,
		ports:            ports,
		clusters:         clusters,
		sandboxes:        sandboxes,
		publisher:        publisher,
		log:              log,
		ttlMinutes:       cfg.TTLMinutes,
		extensionMinutes: cfg.ExtensionMinutes,
		tasksPerSession:  cfg.TasksPerSession,
		maxConcurrent:    cfg.MaxConcurrent,
		sandboxResources: cfg.SandboxResources,
	}
}

// Start provisions a brand-new session for ownerID. It fails fast with
// apperr.Conflict if the owner already has a non-terminal session
// (enforced atomically by the store's partial unique index, not a racy
// check-then-insert), and with apperr.AtCapacity when the global
// concurrency ceiling is reached.
func (m *Manager) Start(ctx context.Context, ownerID, notes string) (*db.Session, error) {
	active, err := m.store.CountNonTerminal(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "count active sessions", err)
	}
	if active >= m.maxConcurrent {
		return nil, apperr.New(apperr.AtCapacity, "platform is at capacity")
	}

	var stack []compensator
	var sessionID string
	// unwind runs the compensators in reverse, then records the first
	// error's kind on the session row after it is frozen as Failed.
	// Compensator errors never mask cause.
	unwind := func(cause error) {
		for i := len(stack) - 1; i >= 0; i-- {
			stack[i](context.Background())
		}
		if sessionID != "" {
			note := "start failed: " + string(apperr.KindOf(cause))
			if err := m.store.AppendNote(context.Background(), sessionID, note); err != nil {
				m.log.Warn().Err(err).Str("session", sessionID).Msg("failed to record failure note")
			}
		}
	}

	clusterName := "ckad-" + uuid.New().String()[:8]

	sess, err := m.store.CreateReserved(ctx, ownerID, clusterName, m.ttlMinutes)
	if err != nil {
		if err == db.ErrActiveSessionExists {
			return nil, apperr.New(apperr.Conflict, "owner already has an active session")
		}
		return nil, apperr.Wrap(apperr.Internal, "reserve session", err)
	}
	sessionID = sess.ID
	stack = append(stack, func(ctx context.Context) {
		_ = m.store.AdvanceStatus(ctx, sessionID, db.StatusFailed, nil)
	})
	m.publisher.Publish(sessionID, ownerID, events.VerbReserved, "")

	if notes != "" {
		if err := m.store.AppendNote(ctx, sessionID, notes); err != nil {
			m.log.Warn().Err(err).Str("session", sessionID).Msg("failed to record start notes")
		}
	}

	leased, err := m.ports.Lease(ctx, sessionID)
	if err != nil {
		unwind(err)
		return nil, err
	}
	stack = append(stack, func(ctx context.Context) {
		if err := m.ports.Release(ctx, sessionID); err != nil {
			m.log.Warn().Err(err).Str("session", sessionID).Msg("compensating port release failed")
		}
	})

	if err := m.store.AdvanceStatus(ctx, sessionID, db.StatusProvisioning, nil); err != nil {
		wrapped := apperr.Wrap(apperr.Internal, "advance to provisioning", err)
		unwind(wrapped)
		return nil, wrapped
	}

	createCtx, cancelCreate := context.WithTimeout(ctx, clusterCreateTimeout)
	kubeconfigPath, _, err := m.clusters.Create(createCtx, clusterName, clusterdriver.Ports{
		API:          leased.API,
		IngressHTTP:  leased.IngressHTTP,
		IngressHTTPS: leased.IngressHTTPS,
	})
	cancelCreate()
	if err != nil {
		unwind(err)
		m.publisher.Publish(sessionID, ownerID, events.VerbFailed, "cluster provisioning failed")
		return nil, err
	}
	stack = append(stack, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, clusterDeleteTimeout)
		defer cancel()
		if err := m.clusters.Delete(ctx, clusterName); err != nil {
			m.log.Warn().Err(err).Str("cluster", clusterName).Msg("compensating cluster delete failed")
		}
	})

	networkName := "ckad-net-" + clusterName
	sandboxCtx, cancelSandbox := context.WithTimeout(ctx, sandboxCreateTimeout)
	sandboxHandle, err := m.sandboxes.Create(sandboxCtx, sessionID, networkName, kubeconfigPath, m.sandboxResources)
	cancelSandbox()
	if err != nil {
		unwind(err)
		m.publisher.Publish(sessionID, ownerID, events.VerbFailed, "sandbox provisioning failed")
		return nil, err
	}
	stack = append(stack, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, sandboxRemoveTimeout)
		defer cancel()
		if err := m.sandboxes.Remove(ctx, sandboxHandle); err != nil {
			m.log.Warn().Err(err).Str("session", sessionID).Msg("compensating sandbox remove failed")
		}
	})

	// task assignment is non-fatal: record a note and keep the session
	if taskIDs, err := m.data.ListTaskIDs(ctx); err == nil {
		subset := db.RandomTaskSubset(taskIDs, m.tasksPerSession)
		if err := m.data.AssignTasks(ctx, sessionID, subset); err != nil {
			m.log.Warn().Err(err).Str("session", sessionID).Msg("failed to assign practice tasks")
			if noteErr := m.store.AppendNote(ctx, sessionID, "task assignment failed"); noteErr != nil {
				m.log.Warn().Err(noteErr).Str("session", sessionID).Msg("failed to record task assignment note")
			}
		}
	} else {
		m.log.Warn().Err(err).Msg("failed to list tasks for assignment")
		if noteErr := m.store.AppendNote(ctx, sessionID, "task assignment failed: task list unavailable"); noteErr != nil {
			m.log.Warn().Err(noteErr).Str("session", sessionID).Msg("failed to record task assignment note")
		}
	}

	err = m.store.AdvanceStatus(ctx, sessionID, db.StatusRunning, func(s *db.Session) {
		s.ClusterName = clusterName
		s.KubeconfigLocation = kubeconfigPath
		s.SandboxHandle = sandboxHandle
	})
	if err != nil {
		wrapped := apperr.Wrap(apperr.Internal, "advance to running", err)
		unwind(wrapped)
		return nil, wrapped
	}

	final, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get session after start", err)
	}

	m.publisher.Publish(sessionID, ownerID, events.VerbRunning, "")
	return final, nil
}

// Status returns the session's current record with RemainingMinutes
// computed against now.
func (m *Manager) Status(ctx context.Context, sessionID string) (*db.Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "session not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "get session", err)
	}
	return sess, nil
}

// Extend grants the one-shot TTL extension. A session may be extended
// at most once; extensions never compound.
func (m *Manager) Extend(ctx context.Context, sessionID string) (*db.Session, error) {
	sess, err := m.store.Extend(ctx, sessionID, m.extensionMinutes)
	if err != nil {
		if err == db.ErrAlreadyExtended {
			return nil, apperr.New(apperr.AlreadyExtended, "session already extended")
		}
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, db.ErrSessionTerminal) {
			return nil, apperr.New(apperr.NotFound, "no active session to extend")
		}
		return nil, apperr.Wrap(apperr.Internal, "extend session", err)
	}
	m.publisher.Publish(sessionID, sess.OwnerID, events.VerbExtended, "")
	return sess, nil
}

// Stop tears a session down, advancing it to Ending then the terminal
// reason. Teardown runs in reverse provisioning order (sandbox,
// cluster, ports), and each step runs even if an earlier one fails so
// a partial failure never leaves leases or containers behind.
func (m *Manager) Stop(ctx context.Context, sessionID string, reason db.Status) (*db.Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "session not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "get session", err)
	}
	if db.IsTerminal(sess.Status) {
		return sess, nil
	}

	if err := m.store.AdvanceStatus(ctx, sessionID, db.StatusEnding, nil); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "advance to ending", err)
	}

	if sess.SandboxHandle != "" {
		removeCtx, cancel := context.WithTimeout(ctx, sandboxRemoveTimeout)
		if err := m.sandboxes.Remove(removeCtx, sess.SandboxHandle); err != nil {
			m.log.Warn().Err(err).Str("session", sessionID).Msg("sandbox teardown failed, continuing")
		}
		cancel()
	}
	if sess.ClusterName != "" {
		deleteCtx, cancel := context.WithTimeout(ctx, clusterDeleteTimeout)
		if err := m.clusters.Delete(deleteCtx, sess.ClusterName); err != nil {
			m.log.Warn().Err(err).Str("session", sessionID).Msg("cluster teardown failed, continuing")
		}
		cancel()
	}
	if err := m.ports.Release(ctx, sessionID); err != nil {
		m.log.Warn().Err(err).Str("session", sessionID).Msg("port release failed, continuing")
	}

	if err := m.store.AdvanceStatus(ctx, sessionID, reason, nil); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "advance to terminal state", err)
	}
	final, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get session after stop", err)
	}

	verb := events.VerbEnded
	if reason == db.StatusTimedOut {
		verb = events.VerbTimedOut
	} else if reason == db.StatusFailed {
		verb = events.VerbFailed
	}
	m.publisher.Publish(sessionID, sess.OwnerID, verb, "")
	return final, nil
}

// ActiveForOwner returns the owner's non-terminal session, or nil when
// the owner has none.
func (m *Manager) ActiveForOwner(ctx context.Context, ownerID string) (*db.Session, error) {
	sess, err := m.store.GetActiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get active session", err)
	}
	return sess, nil
}

// PlatformStatus reports aggregate capacity for the read-only status
// endpoint.
type PlatformStatus struct {
	MaxConcurrent     int `json:"max_concurrent"`
	Active            int `json:"active"`
	AvailableSlots    int `json:"available_slots"`
	DefaultTTLMinutes int `json:"default_ttl_minutes"`
	ExtensionMinutes  int `json:"extension_minutes"`
}

func (m *Manager) PlatformStatus(ctx context.Context) (PlatformStatus, error) {
	n, err := m.store.CountNonTerminal(ctx)
	if err != nil {
		return PlatformStatus{}, apperr.Wrap(apperr.Internal, "count active sessions", err)
	}
	available := m.maxConcurrent - n
	if available < 0 {
		available = 0
	}
	return PlatformStatus{
		MaxConcurrent:     m.maxConcurrent,
		Active:            n,
		AvailableSlots:    available,
		DefaultTTLMinutes: m.ttlMinutes,
		ExtensionMinutes:  m.extensionMinutes,
	}, nil
}
