// Package reaper keeps the system consistent without manual
// intervention through two independent loops: an expire loop that stops
// sessions whose TTL has elapsed, and a sweep loop that deletes
// orphaned clusters, sandboxes, and port leases no session record
// references.
//
// Authentication ephemera (refresh-credential records, one-time codes)
// are not swept here: they live in Redis with per-key TTLs and expire
// natively, so the store purges them without a polling loop.
package reaper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ckadlab/orchestrator/internal/clusterdriver"
	"github.com/ckadlab/orchestrator/internal/db"
	"github.com/ckadlab/orchestrator/internal/portlease"
	"github.com/ckadlab/orchestrator/internal/sandboxdriver"
	"github.com/ckadlab/orchestrator/internal/session"
)

// Stopper is the subset of session.Manager the Reaper needs, kept
// narrow so tests can supply a fake.
type Stopper interface {
	Stop(ctx context.Context, sessionID string, reason db.Status) (*db.Session, error)
}

// portSweeper is the subset of portlease.Allocator the sweep loop needs.
type portSweeper interface {
	SweepOrphans(ctx context.Context, liveSessionIDs []string) (int, error)
}

// clusterSweeper is the subset of clusterdriver.Driver the sweep loop
// needs.
type clusterSweeper interface {
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, clusterName string) error
}

// sandboxSweeper is the subset of sandboxdriver.Driver the sweep loop
// needs.
type sandboxSweeper interface {
	List(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, sandboxHandle string) error
}

// Reaper owns the expire and sweep cron entries.
type Reaper struct {
	store      *db.SessionStore
	manager    Stopper
	ports      portSweeper
	clusters   clusterSweeper
	sandboxes  sandboxSweeper
	expireTick time.Duration
	sweepTick  time.Duration
	log        zerolog.Logger
	cron       *cron.Cron
}

func New(store *db.SessionStore, manager *session.Manager, ports *portlease.Allocator, clusters *clusterdriver.Driver, sandboxes *sandboxdriver.Driver, expireTick, sweepTick time.Duration, log zerolog.Logger) *Reaper {
	if expireTick <= 0 {
		expireTick = 30 * time.Second
	}
	if sweepTick <= 0 {
		sweepTick = 5 * time.Minute
	}
	return &Reaper{
		store:      store,
		manager:    manager,
		ports:      ports,
		clusters:   clusters,
		sandboxes:  sandboxes,
		expireTick: expireTick,
		sweepTick:  sweepTick,
		log:        log,
		cron:       cron.New(),
	}
}

// Start schedules the expire loop on EXPIRE_TICK and the sweep loop on
// SWEEP_TICK, plus one sweep 5 seconds after boot to clean up anything
// orphaned by a prior crash.
func (r *Reaper) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.expireTick), func() { r.expireOnce(ctx) }); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.sweepTick), func() { r.sweepOnce(ctx) }); err != nil {
		return err
	}
	r.cron.Start()

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			r.sweepOnce(ctx)
		}
	}()
	return nil
}

func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// expireOnce stops every non-terminal session whose TTL has elapsed.
// Each session is stopped independently so that one failure does not
// block the others; a failed stop is retried on the next tick.
func (r *Reaper) expireOnce(ctx context.Context) {
	expired, err := r.store.ListExpired(ctx, db.Now())
	if err != nil {
		r.log.Error().Err(err).Msg("reaper: list expired sessions failed")
		return
	}
	for _, sess := range expired {
		if _, err := r.manager.Stop(ctx, sess.ID, db.StatusTimedOut); err != nil {
			r.log.Error().Err(err).Str("session", sess.ID).Msg("reaper: expire stop failed")
		} else {
			r.log.Info().Str("session", sess.ID).Msg("reaper: session timed out")
		}
	}
}

// sweepOnce deletes clusters, sandboxes, and port leases that do not
// correspond to any non-terminal session record: residue from a crash
// mid-provisioning or mid-teardown. Only clusters whose name carries the
// ckad- session prefix are considered.
func (r *Reaper) sweepOnce(ctx context.Context) {
	live, err := r.store.ListNonTerminal(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("reaper: list live sessions failed")
		return
	}

	liveIDs := make([]string, 0, len(live))
	liveClusters := make(map[string]bool, len(live))
	for _, sess := range live {
		liveIDs = append(liveIDs, sess.ID)
		if sess.ClusterName != "" {
			liveClusters[sess.ClusterName] = true
		}
	}

	if n, err := r.ports.SweepOrphans(ctx, liveIDs); err != nil {
		r.log.Error().Err(err).Msg("reaper: port sweep failed")
	} else if n > 0 {
		r.log.Info().Int("count", n).Msg("reaper: swept orphan port leases")
	}

	clusters, err := r.clusters.List(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("reaper: list clusters failed")
	} else {
		for _, name := range clusters {
			if strings.HasPrefix(name, "ckad-") && !liveClusters[name] {
				if err := r.clusters.Delete(ctx, name); err != nil {
					r.log.Error().Err(err).Str("cluster", name).Msg("reaper: orphan cluster delete failed")
				} else {
					r.log.Info().Str("cluster", name).Msg("reaper: swept orphan cluster")
				}
			}
		}
	}

	sandboxes, err := r.sandboxes.List(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("reaper: list sandboxes failed")
		return
	}
	liveSandboxes := make(map[string]bool, len(live))
	for _, sess := range live {
		if sess.SandboxHandle != "" {
			liveSandboxes[sess.SandboxHandle] = true
		}
	}
	for _, handle := range sandboxes {
		if !liveSandboxes[handle] {
			if err := r.sandboxes.Remove(ctx, handle); err != nil {
				r.log.Error().Err(err).Str("sandbox", handle).Msg("reaper: orphan sandbox remove failed")
			} else {
				r.log.Info().Str("sandbox", handle).Msg("reaper: swept orphan sandbox")
			}
		}
	}
}
