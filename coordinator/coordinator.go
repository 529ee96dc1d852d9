package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mworlabs/lotteryd/config"
	"github.com/mworlabs/lotteryd/logger"
	"github.com/mworlabs/lotteryd/models"
	"github.com/mworlabs/lotteryd/monitor"
	"github.com/mworlabs/lotteryd/store"
)

// ErrBreakerOpen is returned without calling the downstream when its
// breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker open")

const healthChannel = "lotteryd:health"

// SharedState is what the coordinator needs from the store: leases for
// the single-writer rule and pubsub for health broadcasts.
type SharedState interface {
	store.LeaseStore
	store.PubSub
}

// Coordinator tracks both instances of the engine. The secondary probes
// the primary over the peer link and takes over command execution when
// enough consecutive probes fail; leases in the shared store keep money
// movement single-writer through the handoff either way.
type Coordinator struct {
	cfg     config.CoordinatorConfig
	shared  SharedState
	peer    *PeerLink
	metrics *monitor.Monitor

	mu            sync.Mutex
	self          models.InstanceHealthRecord
	peerRec       models.InstanceHealthRecord
	peerFailures  int
	actingPrimary bool
	autonomous    bool
	exec          Executor
	restart       func()
	breakers      map[string]*Breaker
	keepers       map[string]*leaseKeeper

	now func() time.Time
}

func New(cfg config.CoordinatorConfig, shared SharedState, peer *PeerLink, metrics *monitor.Monitor) *Coordinator {
	now := time.Now()
	return &Coordinator{
		cfg:     cfg,
		shared:  shared,
		peer:    peer,
		metrics: metrics,
		self: models.InstanceHealthRecord{
			InstanceID:    cfg.InstanceID,
			Role:          models.InstanceRole(cfg.Role),
			Status:        models.InstanceRunning,
			StartedAt:     now,
			LastHeartbeat: now,
		},
		breakers: make(map[string]*Breaker),
		keepers:  make(map[string]*leaseKeeper),
		now:      time.Now,
	}
}

// SetExecutor wires the local command executor. Must be called before Run.
func (c *Coordinator) SetExecutor(exec Executor) {
	c.mu.Lock()
	c.exec = exec
	c.mu.Unlock()
}

// OnRestart registers the callback fired after the error cooldown.
func (c *Coordinator) OnRestart(fn func()) {
	c.mu.Lock()
	c.restart = fn
	c.mu.Unlock()
}

// Self returns a copy of this instance's health record.
func (c *Coordinator) Self() models.InstanceHealthRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.self
	rec.LastHeartbeat = c.now()
	return rec
}

// Peer returns the last merged view of the other instance.
func (c *Coordinator) Peer() models.InstanceHealthRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerRec
}

// ActingPrimary reports whether this instance currently executes commands.
func (c *Coordinator) ActingPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.self.Role == models.RolePrimary {
		return c.self.Status == models.InstanceRunning
	}
	return c.actingPrimary || c.autonomous
}

// Breaker returns the named breaker, creating it from the configured
// threshold and cooldown on first use.
func (c *Coordinator) Breaker(name string) *Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[name]
	if !ok {
		b = NewBreaker(name, c.cfg.BreakerThreshold, c.cfg.BreakerCooldown)
		c.breakers[name] = b
	}
	return b
}

// SetError flips this instance into error state and schedules the delayed
// restart. Commands route to the peer until the restart fires.
func (c *Coordinator) SetError(err error) {
	c.mu.Lock()
	c.self.Status = models.InstanceError
	c.self.LastError = err.Error()
	restart := c.restart
	c.mu.Unlock()

	logger.Log.Errorf("instance %s entering error state: %v", c.cfg.InstanceID, err)
	time.AfterFunc(c.cfg.RestartDelay, func() {
		c.mu.Lock()
		c.self.Status = models.InstanceRunning
		c.self.LastError = ""
		c.self.StartedAt = c.now()
		c.mu.Unlock()
		logger.Log.Infof("instance %s restarting after error cooldown", c.cfg.InstanceID)
		if restart != nil {
			restart()
		}
	})
}

// Run drives the probe and heartbeat loops until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	go c.heartbeatLoop(ctx)
	go c.listenHealth(ctx)

	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe()
		}
	}
}

func (c *Coordinator) probe() {
	reply, err := c.peer.Health(c.cfg.InstanceID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.peerFailures++
		logger.Log.Warnf("peer probe failed (%d/%d): %v", c.peerFailures, c.cfg.ProbeFailThreshold, err)
		if c.peerFailures >= c.cfg.ProbeFailThreshold {
			c.loseLinkLocked()
		}
		return
	}

	c.peerFailures = 0
	c.peerRec = models.InstanceHealthRecord{
		InstanceID:    reply.InstanceID,
		Role:          reply.Role,
		Status:        reply.Status,
		StartedAt:     reply.StartedAt,
		LastHeartbeat: c.now(),
	}

	if c.autonomous {
		c.autonomous = false
		logger.Log.Infof("peer link restored, leaving autonomous mode")
	}
	// Step down once a recovered primary is back in running state.
	if c.actingPrimary && reply.Role == models.RolePrimary && reply.Status == models.InstanceRunning {
		c.actingPrimary = false
		logger.Log.Infof("primary %s recovered, resuming secondary role", reply.InstanceID)
	}
}

// loseLinkLocked handles the probe threshold tripping. A secondary
// promotes itself; a primary goes autonomous so it keeps serving without
// forwarding anything.
func (c *Coordinator) loseLinkLocked() {
	if c.self.Role == models.RoleSecondary && !c.actingPrimary {
		c.actingPrimary = true
		if c.metrics != nil {
			c.metrics.IncFailovers()
		}
		logger.Log.Warnf("primary unreachable, instance %s taking over command execution", c.cfg.InstanceID)
		return
	}
	if !c.autonomous {
		c.autonomous = true
		logger.Log.Warnf("peer link down, instance %s continuing autonomously", c.cfg.InstanceID)
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec := c.Self()
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			if err := c.shared.Publish(ctx, healthChannel, data); err != nil {
				logger.Log.Debugf("publish heartbeat failed: %v", err)
			}
		}
	}
}

// listenHealth merges peer heartbeats from the shared channel. Newest
// timestamp wins, so a stale broadcast arriving late cannot roll the view
// back.
func (c *Coordinator) listenHealth(ctx context.Context) {
	ch, cancel, err := c.shared.Subscribe(ctx, healthChannel)
	if err != nil {
		logger.Log.Errorf("subscribe health channel failed: %v", err)
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			var rec models.InstanceHealthRecord
			if err := json.Unmarshal(payload, &rec); err != nil {
				continue
			}
			if rec.InstanceID == c.cfg.InstanceID {
				continue
			}
			c.mu.Lock()
			if rec.LastHeartbeat.After(c.peerRec.LastHeartbeat) {
				c.peerRec = rec
			}
			c.mu.Unlock()
		}
	}
}

// RouteCommand executes cmd on whichever instance should run it: the
// running primary when reachable, otherwise locally. A forward that fails
// falls back to local execution rather than dropping the command.
func (c *Coordinator) RouteCommand(ctx context.Context, cmd Command) (string, error) {
	c.mu.Lock()
	exec := c.exec
	forward := c.self.Role == models.RoleSecondary && !c.actingPrimary && !c.autonomous
	selfErrored := c.self.Status == models.InstanceError
	c.mu.Unlock()

	if exec == nil {
		return "", fmt.Errorf("no executor wired")
	}

	if forward || selfErrored {
		result, err := c.forward(cmd)
		if err == nil {
			return result, nil
		}
		if selfErrored {
			return "", fmt.Errorf("%w: instance errored and peer unreachable", models.ErrInstanceUnavailable)
		}
		logger.Log.Warnf("forward %s for game %s failed, executing locally: %v", cmd.Op, cmd.GameID, err)
	}
	return exec.Execute(ctx, cmd)
}

func (c *Coordinator) forward(cmd Command) (string, error) {
	var result string
	err := c.Breaker("peer").Do(func() error {
		r, err := c.peer.Execute(cmd)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// EnsureOwner takes or renews the single-writer lease for a game. Holding
// it is the precondition for ending, distributing or refunding; losing it
// to the peer returns ErrLeaseHeld.
func (c *Coordinator) EnsureOwner(ctx context.Context, gameID string) error {
	ok, err := c.shared.AcquireLease(ctx, gameID, c.cfg.InstanceID, c.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		c.startKeeper(ctx, gameID)
		return nil
	}

	holder, err := c.shared.LeaseHolder(ctx, gameID)
	if err != nil {
		return fmt.Errorf("read lease holder: %w", err)
	}
	if holder == c.cfg.InstanceID {
		renewed, err := c.shared.RenewLease(ctx, gameID, c.cfg.InstanceID, c.cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("renew lease: %w", err)
		}
		if renewed {
			c.startKeeper(ctx, gameID)
			return nil
		}
	}
	return fmt.Errorf("%w: game %s owned by %s", models.ErrLeaseHeld, gameID, holder)
}

// leaseKeeper identifies one renewal loop so a stale loop exiting late
// cannot remove its successor's registration.
type leaseKeeper struct {
	cancel context.CancelFunc
}

// startKeeper launches a background renewal loop for a held lease.
// Long-running work under the lease, like a payout with per-transfer
// delays, must not outlive the TTL and hand the game to the peer.
func (c *Coordinator) startKeeper(ctx context.Context, gameID string) {
	if c.cfg.LeaseRenewInterval <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.keepers[gameID]; ok {
		return
	}
	kctx, cancel := context.WithCancel(ctx)
	k := &leaseKeeper{cancel: cancel}
	c.keepers[gameID] = k
	go c.keepLease(kctx, gameID, k)
}

func (c *Coordinator) keepLease(ctx context.Context, gameID string, k *leaseKeeper) {
	defer func() {
		c.mu.Lock()
		if c.keepers[gameID] == k {
			delete(c.keepers, gameID)
		}
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.cfg.LeaseRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := c.shared.RenewLease(ctx, gameID, c.cfg.InstanceID, c.cfg.LeaseTTL)
			if err != nil {
				logger.Log.Warnf("renew lease for %s failed: %v", gameID, err)
				continue
			}
			if !ok {
				logger.Log.Warnf("lease for %s lost during renewal", gameID)
				return
			}
		}
	}
}

// Release stops the renewal loop and gives the lease back; safe to call
// when not the holder.
func (c *Coordinator) Release(ctx context.Context, gameID string) {
	c.mu.Lock()
	if k, ok := c.keepers[gameID]; ok {
		k.cancel()
		delete(c.keepers, gameID)
	}
	c.mu.Unlock()

	if err := c.shared.ReleaseLease(ctx, gameID, c.cfg.InstanceID); err != nil {
		logger.Log.Warnf("release lease for %s failed: %v", gameID, err)
	}
}
