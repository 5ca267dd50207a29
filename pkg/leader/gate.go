package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Role is the replica's position in the state machine.
type Role string

const (
	Follower    Role = "follower"
	Leader      Role = "leader"
	CoolingDown Role = "cooling-down"
)

// Gate wraps every append and executor side effect with the single-writer
// discipline: acquire, pre-action check, post-action confirm, cooldown on
// loss.
type Gate struct {
	identity string
	cfg      Config
	store    LeaseStore
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu            sync.Mutex
	role          Role
	lease         Lease
	lastRenew     time.Time
	cooldownUntil time.Time
}

// NewGate builds a gate in the Follower role.
func NewGate(identity string, store LeaseStore, cfg Config, logger *slog.Logger) (*Gate, error) {
	if identity == "" {
		return nil, fmt.Errorf("leader: identity is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		identity: identity,
		cfg:      cfg,
		store:    store,
		logger:   logger,
		tracer:   otel.Tracer("rynxs-core/leader"),
		now:      time.Now,
		role:     Follower,
	}, nil
}

// WithClock overrides the gate's time source for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Role reports the current role, folding an elapsed cooldown back to
// Follower.
func (g *Gate) Role() Role {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settleLocked()
	return g.role
}

func (g *Gate) settleLocked() {
	if g.role == CoolingDown && !g.now().Before(g.cooldownUntil) {
		g.role = Follower
	}
}

// TryAcquire attempts to become (or stay) the writer. A replica in cooldown
// refuses to re-acquire until the cooldown elapses.
func (g *Gate) TryAcquire(ctx context.Context) error {
	ctx, span := g.tracer.Start(ctx, "leader.acquire")
	defer span.End()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.settleLocked()

	if g.role == CoolingDown {
		return ErrNotLeader
	}

	lease, err := g.store.Acquire(ctx, g.identity, g.cfg.LeaseDuration)
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			g.role = Follower
			return ErrNotLeader
		}
		return err
	}
	if g.role != Leader {
		g.logger.Info("acquired leadership", "identity", g.identity, "epoch", lease.Epoch)
	}
	g.role = Leader
	g.lease = lease
	g.lastRenew = g.now()
	return nil
}

// Renew extends the lease. Failing to renew within the deadline, or finding
// another holder, drops the replica into cooldown.
func (g *Gate) Renew(ctx context.Context) error {
	ctx, span := g.tracer.Start(ctx, "leader.renew")
	defer span.End()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.role != Leader {
		return ErrNotLeader
	}

	lease, err := g.store.Renew(ctx, g.identity, g.cfg.LeaseDuration)
	if err != nil {
		g.loseLocked("renew failed", err)
		return err
	}
	g.lease = lease
	g.lastRenew = g.now()
	return nil
}

// loseLocked enters cooldown for one full lease duration: long enough for a
// successor to take over, so overlapping side effects are suppressed.
func (g *Gate) loseLocked(reason string, err error) {
	g.role = CoolingDown
	g.cooldownUntil = g.now().Add(g.cfg.LeaseDuration)
	g.logger.Warn("lost leadership, cooling down",
		"identity", g.identity, "reason", reason, "err", err,
		"cooldown_until", g.cooldownUntil)
}

// AllowAppend is the pre-action check: the replica believes it holds the
// lease and renewed it within the deadline. Satisfies store.Gate.
func (g *Gate) AllowAppend() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settleLocked()
	if g.role != Leader {
		return false
	}
	if g.now().Sub(g.lastRenew) > g.cfg.RenewDeadline {
		g.loseLocked("renew deadline passed", nil)
		return false
	}
	return true
}

// ConfirmAfterEffect is the post-action check: after any externally
// observable side effect, re-confirm holdership against the store. On loss
// the gate enters cooldown and reports the overlap risk to the caller.
func (g *Gate) ConfirmAfterEffect(ctx context.Context) error {
	ctx, span := g.tracer.Start(ctx, "leader.confirm")
	defer span.End()

	holder, err := g.store.Holder(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if holder != g.identity {
		g.loseLocked("takeover detected after effect", nil)
		return fmt.Errorf("%w: lease now held by %q", ErrNotLeader, holder)
	}
	return nil
}

// FencingToken identifies the current leadership epoch. It is embedded into
// event meta for post-mortem attribution; it does not guard the append.
func (g *Gate) FencingToken() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.role != Leader {
		return ""
	}
	return fmt.Sprintf("%s:%d", g.lease.Holder, g.lease.Epoch)
}

// Release gives up the lease voluntarily and returns to Follower without a
// cooldown (no side effect was cut short).
func (g *Gate) Release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.role != Leader {
		return nil
	}
	g.role = Follower
	return g.store.Release(ctx, g.identity)
}
