package registry

import (
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/clock"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// startupCleanupPasses bounds the dead-peer sweeps after engine start
const startupCleanupPasses = 5

// Registry maintains this engine's service record, heartbeats it, and
// cleans up after peers whose heartbeats went stale: their locks are
// broken, their claimed actions returned to READY, and their records
// removed.
type Registry struct {
	store     storage.Store
	clock     clock.Clock
	cfg       *config.Config
	logger    zerolog.Logger
	serviceID string
	host      string
	topic     string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a registry for this engine instance
func New(store storage.Store, clk clock.Clock, cfg *config.Config, host, topic string) *Registry {
	return &Registry{
		store:     store,
		clock:     clk,
		cfg:       cfg,
		logger:    log.WithComponent("registry"),
		serviceID: uuid.New().String(),
		host:      host,
		topic:     topic,
		stopCh:    make(chan struct{}),
	}
}

// ServiceID returns this engine's identity, used as lock/claim owner
func (r *Registry) ServiceID() string {
	return r.serviceID
}

// Start registers the service record and launches the heartbeat and the
// bounded startup cleanup loop.
func (r *Registry) Start() error {
	now := r.clock.Now()
	rec := &types.ServiceRecord{
		ID:        r.serviceID,
		Name:      r.cfg.Name,
		Host:      r.host,
		Topic:     r.topic,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateService(rec); err != nil {
		return err
	}

	r.wg.Add(2)
	go r.heartbeatLoop()
	go r.cleanupLoop()
	return nil
}

// Stop halts the loops and removes this engine's service record
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	if err := r.store.DeleteService(r.serviceID); err != nil {
		r.logger.Error().Err(err).Msg("failed to delete service record")
	}
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()
	interval := time.Duration(r.cfg.PeriodicInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.heartbeat()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) heartbeat() {
	rec, err := r.store.GetService(r.serviceID)
	if err != nil {
		r.logger.Error().Err(err).Msg("heartbeat: service record missing")
		return
	}
	rec.UpdatedAt = r.clock.Now()
	if err := r.store.UpdateService(rec); err != nil {
		r.logger.Error().Err(err).Msg("heartbeat write failed")
		return
	}
	metrics.HeartbeatsTotal.Inc()
}

// cleanupLoop runs a bounded number of dead-peer sweeps after start, then
// keeps purging retained actions on the same cadence.
func (r *Registry) cleanupLoop() {
	defer r.wg.Done()
	interval := time.Duration(r.cfg.PeriodicInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	passes := 0
	for {
		select {
		case <-ticker.C:
			if passes < startupCleanupPasses {
				r.sweepDeadPeers()
				passes++
			}
			r.purgeActions()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweepDeadPeers() {
	cutoff := r.clock.Now().Add(-time.Duration(r.cfg.ServiceDownTime) * time.Second)
	expired, err := r.store.ListExpiredServices(r.cfg.Name, cutoff)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list expired peers")
		return
	}
	for _, rec := range expired {
		if rec.ID == r.serviceID {
			continue
		}
		r.logger.Warn().
			Str("peer", rec.ID).
			Time("last_heartbeat", rec.UpdatedAt).
			Msg("cleaning up dead peer engine")
		if err := r.GCByEngine(rec.ID); err != nil {
			r.logger.Error().Err(err).Str("peer", rec.ID).Msg("peer cleanup failed")
		}
	}
}

func (r *Registry) purgeActions() {
	if r.cfg.ActionRetention <= 0 {
		return
	}
	cutoff := r.clock.Now().Add(-time.Duration(r.cfg.ActionRetention) * time.Second)
	n, err := r.store.PurgeActions(cutoff)
	if err != nil {
		r.logger.Error().Err(err).Msg("action purge failed")
		return
	}
	if n > 0 {
		r.logger.Info().Int("purged", n).Msg("purged retained actions")
	}
}

// IsAlive reports whether a service's heartbeat is within the liveness
// window. Unknown services count as dead.
func (r *Registry) IsAlive(serviceID string) bool {
	rec, err := r.store.GetService(serviceID)
	if err != nil {
		return false
	}
	window := time.Duration(r.cfg.ServiceDownTime) * time.Second
	return r.clock.Now().Sub(rec.UpdatedAt) <= window
}

// GCByEngine releases every lock held through actions owned by the dead
// engine, abandons those actions so a live engine can re-claim them, and
// deletes the engine's service record.
func (r *Registry) GCByEngine(serviceID string) error {
	actions, err := r.store.ListActionsByOwner(serviceID)
	if err != nil {
		return err
	}
	for _, a := range actions {
		if err := r.store.ReleaseLocksByAction(a.ID); err != nil {
			return err
		}
		if err := r.store.AbandonAction(a.ID); err != nil {
			return err
		}
		r.logger.Info().
			Str("action_id", a.ID).
			Str("dead_engine", serviceID).
			Msg("abandoned action from dead engine")
	}
	if err := r.store.DeleteService(serviceID); err != nil && !types.IsNotFound(err) {
		return err
	}
	metrics.EnginesGCTotal.Inc()
	return nil
}
