package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/metrics"
)

var (
	// ErrBusy means the identifier is held by another plan or the pool has no
	// free value. It is a signal to wait or back off, not a failure.
	ErrBusy = errors.New("identifier busy")
	// ErrConsumed means an exact identifier already belongs to a provisioned system.
	ErrConsumed = errors.New("identifier already consumed")
	// ErrInvalidIdentifier means a value does not parse for its class.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrUnknownClass means no pool is configured for a class.
	ErrUnknownClass = errors.New("unknown identifier class")
	// ErrUnknownReservation means a reservation ID is not active.
	ErrUnknownReservation = errors.New("unknown reservation")
)

// IsBusy reports whether err is a busy signal.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// Outcome is how a reservation ends.
type Outcome string

const (
	// OutcomeReleased returns the identifier to its pool.
	OutcomeReleased Outcome = "released"
	// OutcomeConsumed hands the identifier to the provisioned system for good.
	OutcomeConsumed Outcome = "consumed"
)

// Reservation is an exclusive claim of one identifier by one plan.
type Reservation struct {
	ID         string                     `json:"id"`
	PlanID     string                     `json:"planID"`
	Class      deployment.IdentifierClass `json:"class"`
	Value      string                     `json:"value"`
	Constraint deployment.Constraint      `json:"constraint"`
	ReservedAt time.Time                  `json:"reservedAt"`
}

// Ledger is the single source of truth for identifier contention.
type Ledger struct {
	mu       sync.Mutex
	pools    map[deployment.IdentifierClass]Pool
	active   map[string]*Reservation // class/value -> reservation
	byID     map[string]*Reservation
	consumed map[string]Consumed
	store    ConsumedStore
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore persists consumed identifiers in s.
func WithStore(s ConsumedStore) Option {
	return func(l *Ledger) { l.store = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger over the given pools.
func New(pools []Pool, opts ...Option) *Ledger {
	l := &Ledger{
		pools:    make(map[deployment.IdentifierClass]Pool, len(pools)),
		active:   make(map[string]*Reservation),
		byID:     make(map[string]*Reservation),
		consumed: make(map[string]Consumed),
		store:    NewMemoryStore(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, p := range pools {
		l.pools[p.Class()] = p
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads consumed identifiers from the store. Call it once before serving.
func (l *Ledger) Load(ctx context.Context) error {
	items, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load consumed identifiers: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range items {
		l.consumed[key(c.Class, c.Value)] = c
	}
	l.logger.Debug("ledger loaded", "consumed", len(items))
	return nil
}

// Reserve claims one identifier of class for planID.
//
// An exact constraint claims that value or returns ErrBusy when another plan
// holds it. Reserving a value the same plan already holds returns the existing
// reservation. An "any" constraint claims the lowest free pool value.
func (l *Ledger) Reserve(ctx context.Context, planID string, class deployment.IdentifierClass, c deployment.Constraint) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pool, ok := l.pools[class]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}

	var value string
	if c.IsExact() {
		v, err := pool.Normalize(c.Exact)
		if err != nil {
			return Reservation{}, err
		}
		if _, gone := l.consumed[key(class, v)]; gone {
			return Reservation{}, fmt.Errorf("%w: %s %s", ErrConsumed, class, v)
		}
		if held, taken := l.active[key(class, v)]; taken {
			if held.PlanID == planID {
				return *held, nil
			}
			metrics.RecordBusy(string(class))
			return Reservation{}, fmt.Errorf("%w: %s %s held by plan %s", ErrBusy, class, v, held.PlanID)
		}
		value = v
	} else {
		pool.Each(func(v string) bool {
			k := key(class, v)
			if _, taken := l.active[k]; taken {
				return true
			}
			if _, gone := l.consumed[k]; gone {
				return true
			}
			value = v
			return false
		})
		if value == "" {
			metrics.RecordBusy(string(class))
			return Reservation{}, fmt.Errorf("%w: no free %s in pool", ErrBusy, class)
		}
	}

	r := &Reservation{
		ID:         uuid.NewString(),
		PlanID:     planID,
		Class:      class,
		Value:      value,
		Constraint: c,
		ReservedAt: l.now().UTC(),
	}
	l.active[key(class, value)] = r
	l.byID[r.ID] = r
	l.updateGauge(class)

	l.logger.Debug("identifier reserved", "plan", planID, "class", class, "value", value)
	return *r, nil
}

// Release ends one reservation.
func (l *Ledger) Release(ctx context.Context, reservationID string, outcome Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.byID[reservationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	return l.releaseLocked(ctx, r, outcome)
}

// ReleasePlan ends every reservation planID holds and returns them.
// All reservations are removed even when persisting a consumed identifier fails.
func (l *Ledger) ReleasePlan(ctx context.Context, planID string, outcome Outcome) ([]Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		released []Reservation
		errs     []error
	)
	for _, r := range l.sortedLocked() {
		if r.PlanID != planID {
			continue
		}
		if err := l.releaseLocked(ctx, r, outcome); err != nil {
			errs = append(errs, err)
		}
		released = append(released, *r)
	}
	return released, errors.Join(errs...)
}

func (l *Ledger) releaseLocked(ctx context.Context, r *Reservation, outcome Outcome) error {
	k := key(r.Class, r.Value)
	delete(l.active, k)
	delete(l.byID, r.ID)
	l.updateGauge(r.Class)

	if outcome != OutcomeConsumed {
		l.logger.Debug("identifier released", "plan", r.PlanID, "class", r.Class, "value", r.Value)
		return nil
	}

	c := Consumed{Class: r.Class, Value: r.Value, PlanID: r.PlanID, ConsumedAt: l.now().UTC()}
	l.consumed[k] = c
	metrics.RecordConsumed(string(r.Class))
	if err := l.store.Save(ctx, c); err != nil {
		return fmt.Errorf("failed to persist consumed %s %s: %w", r.Class, r.Value, err)
	}
	l.logger.Debug("identifier consumed", "plan", r.PlanID, "class", r.Class, "value", r.Value)
	return nil
}

// MarkConsumed records value as owned by a system planID provisioned, without
// going through a reservation. It restores consumptions that were audited but
// never reached the store. An active reservation of the same plan on the value
// ends with it; one held by another plan is an error.
func (l *Ledger) MarkConsumed(ctx context.Context, planID string, class deployment.IdentifierClass, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pool, ok := l.pools[class]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	v, err := pool.Normalize(value)
	if err != nil {
		return err
	}
	k := key(class, v)
	if held, taken := l.active[k]; taken {
		if held.PlanID != planID {
			return fmt.Errorf("%w: %s %s held by plan %s", ErrBusy, class, v, held.PlanID)
		}
		delete(l.active, k)
		delete(l.byID, held.ID)
		l.updateGauge(class)
	}

	c, known := l.consumed[k]
	if !known {
		c = Consumed{Class: class, Value: v, PlanID: planID, ConsumedAt: l.now().UTC()}
		l.consumed[k] = c
		metrics.RecordConsumed(string(class))
	}
	if err := l.store.Save(ctx, c); err != nil {
		return fmt.Errorf("failed to persist consumed %s %s: %w", class, v, err)
	}
	if !known {
		l.logger.Info("identifier consumption restored", "plan", planID, "class", class, "value", v)
	}
	return nil
}

// Snapshot returns the active reservations ordered by class and identifier.
func (l *Ledger) Snapshot() []Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	sorted := l.sortedLocked()
	out := make([]Reservation, len(sorted))
	for i, r := range sorted {
		out[i] = *r
	}
	return out
}

// Held returns the reservations of one plan.
func (l *Ledger) Held(planID string) []Reservation {
	var out []Reservation
	for _, r := range l.Snapshot() {
		if r.PlanID == planID {
			out = append(out, r)
		}
	}
	return out
}

// Capacity returns the pool size of every configured class.
func (l *Ledger) Capacity() map[deployment.IdentifierClass]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[deployment.IdentifierClass]int, len(l.pools))
	for class, p := range l.pools {
		out[class] = p.Size()
	}
	return out
}

// IsConsumed reports whether a value of class belongs to a provisioned system.
func (l *Ledger) IsConsumed(class deployment.IdentifierClass, value string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.pools[class]; ok {
		if v, err := p.Normalize(value); err == nil {
			value = v
		}
	}
	_, ok := l.consumed[key(class, value)]
	return ok
}

func (l *Ledger) sortedLocked() []*Reservation {
	out := make([]*Reservation, 0, len(l.active))
	for _, r := range l.active {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Class != out[j].Class {
			return out[i].Class < out[j].Class
		}
		if p, ok := l.pools[out[i].Class]; ok {
			return p.Compare(out[i].Value, out[j].Value) < 0
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func (l *Ledger) updateGauge(class deployment.IdentifierClass) {
	n := 0
	for _, r := range l.active {
		if r.Class == class {
			n++
		}
	}
	metrics.SetActiveReservations(string(class), n)
}

func key(class deployment.IdentifierClass, value string) string {
	return string(class) + "/" + value
}
