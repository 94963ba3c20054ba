package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/evanofslack/cloud-dns-sync/internal/config"
	"github.com/evanofslack/cloud-dns-sync/internal/metrics"
	"github.com/evanofslack/cloud-dns-sync/internal/provider"
	"github.com/evanofslack/cloud-dns-sync/internal/record"
	"github.com/evanofslack/cloud-dns-sync/internal/retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const defaultConcurrency = 8

var (
	ErrOutOfZone      = errors.New("record outside zone")
	ErrUnmanagedType  = errors.New("record type not managed")
	ErrProtectedEntry = errors.New("record is protected")
)

type Engine interface {
	// Reconcile converges zone toward desired. Failures of single actions
	// are reported in the results; the error is only set when the zone
	// could not be planned or the call was cancelled.
	Reconcile(ctx context.Context, zone string, desired []record.Record) (Results, error)
	Plan(ctx context.Context, zone string, desired []record.Record) (Plan, error)
}

type Option func(*engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *engine) { e.logger = logger }
}

func WithPolicy(policy retry.Policy) Option {
	return func(e *engine) { e.policy = policy }
}

// WithLimiter shares a request limiter across engines talking to one backend.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(e *engine) { e.limiter = limiter }
}

type engine struct {
	client      provider.Client
	dryRun      bool
	concurrency int
	protected   []string
	managed     map[record.Type]bool
	policy      retry.Policy
	limiter     *rate.Limiter
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewEngine(client provider.Client, cfg config.Reconcile, metrics *metrics.Metrics, opts ...Option) *engine {
	e := &engine{
		client:      client,
		dryRun:      cfg.DryRun,
		concurrency: cfg.Concurrency,
		protected:   cfg.ProtectedRecords,
		policy:      retry.Default(),
		metrics:     metrics,
		logger:      slog.Default(),
	}
	if e.concurrency <= 0 {
		e.concurrency = defaultConcurrency
	}
	if len(cfg.ManagedTypes) > 0 {
		e.managed = make(map[record.Type]bool)
		for _, t := range cfg.ManagedTypes {
			if typ, err := record.ParseType(t); err == nil {
				e.managed[typ] = true
			} else {
				e.logger.Warn("Ignoring unknown managed type", "type", t)
			}
		}
	}
	if cfg.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("backend", client.Name())
	return e
}

func (e *engine) Reconcile(ctx context.Context, zone string, desired []record.Record) (Results, error) {
	start := time.Now()
	logger := e.logger.With("zone", zone)

	plan, err := e.Plan(ctx, zone, desired)
	if err != nil {
		return Results{Zone: zone}, err
	}
	results := Results{Zone: zone, Plan: plan}

	if e.dryRun {
		logger.Info("Dry run mode, not applying plan", "create", len(plan.Create), "update", len(plan.Update), "delete", len(plan.Delete))
		for _, p := range e.phases(plan) {
			for _, rec := range p.records {
				results.Actions = append(results.Actions, Result{Action: p.action, Record: rec, Status: StatusSkipped})
			}
		}
		results.Duration = time.Since(start)
		return results, nil
	}

	// Phases are barriers, a phase starts once every action of the previous
	// one has finished.
	for _, p := range e.phases(plan) {
		if ctx.Err() != nil {
			results.Actions = append(results.Actions, cancelled(p.action, p.records, ctx.Err())...)
			continue
		}
		results.Actions = append(results.Actions, e.runPhase(ctx, zone, p.action, p.records)...)
	}
	results.Duration = time.Since(start)

	counts := results.Counts()
	logger.Info("Reconcile finished",
		"succeeded", counts[StatusSucceeded],
		"failed", len(results.Failed()),
		"duration", results.Duration)

	if err := ctx.Err(); err != nil {
		return results, provider.NewError(provider.KindCancelled, e.client.Name(), "reconcile", err)
	}
	return results, nil
}

func (e *engine) Plan(ctx context.Context, zone string, desired []record.Record) (Plan, error) {
	logger := e.logger.With("zone", zone)

	wanted, err := e.prepareDesired(zone, desired)
	if err != nil {
		return Plan{}, err
	}
	e.metrics.SetDesiredRecords(record.Bare(zone), len(wanted))

	observed, err := e.client.List(ctx, zone)
	if err != nil {
		return Plan{}, fmt.Errorf("list zone %s: %w", zone, err)
	}
	logger.Debug("Got records from dns provider", "count", len(observed))

	var managed []record.Record
	for _, r := range observed {
		if !e.isManaged(r.Type) || e.isProtected(zone, r) {
			logger.Debug("Ignoring unmanaged record", "name", r.Name, "type", r.Type)
			continue
		}
		managed = append(managed, r)
	}

	var reserved []record.Record
	if rs, ok := e.client.(provider.Reserver); ok {
		wanted, reserved = withoutReserved(wanted, rs.Reserved(zone))
		for _, r := range reserved {
			logger.Warn("Backend holds a record set here it cannot manage, leaving it alone", "name", r.Name, "type", r.Type)
		}
	}

	plan := Diff(zone, wanted, managed)
	plan.Reserved = reserved
	logger.Info("Plan computed", "create", len(plan.Create), "update", len(plan.Update), "delete", len(plan.Delete))
	return plan, nil
}

// prepareDesired normalizes desired and rejects records the engine may not
// touch.
func (e *engine) prepareDesired(zone string, desired []record.Record) ([]record.Record, error) {
	wanted, err := record.NormalizeAll(zone, desired)
	if err != nil {
		return nil, fmt.Errorf("validate desired records: %w", err)
	}
	for _, r := range wanted {
		if !record.IsInZone(zone, r.Name) {
			return nil, fmt.Errorf("%w: %s not in %s", ErrOutOfZone, r.Name, zone)
		}
		if !e.isManaged(r.Type) {
			return nil, fmt.Errorf("%w: %s", ErrUnmanagedType, r.Key())
		}
		if e.isProtected(zone, r) {
			return nil, fmt.Errorf("%w: %s", ErrProtectedEntry, r.Key())
		}
	}
	return wanted, nil
}

// withoutReserved splits off desired records that would be written next to
// a reserved set: same name and type, or either side a CNAME.
func withoutReserved(desired []record.Record, reserved []record.Key) (keep, skipped []record.Record) {
	if len(reserved) == 0 {
		return desired, nil
	}
	for _, d := range desired {
		if slices.ContainsFunc(reserved, func(k record.Key) bool {
			return k.Name == d.Name && (k.Type == d.Type || k.Type == record.TypeCNAME || d.Type == record.TypeCNAME)
		}) {
			skipped = append(skipped, d)
			continue
		}
		keep = append(keep, d)
	}
	record.Sort(skipped)
	return keep, skipped
}

func (e *engine) isManaged(t record.Type) bool {
	if t == record.TypeSOA {
		return false
	}
	return e.managed == nil || e.managed[t]
}

// isProtected reports records the engine never changes: configured names,
// and the apex NS set.
func (e *engine) isProtected(zone string, r record.Record) bool {
	apex, err := record.CanonicalName(zone, "@")
	if err == nil && r.Type == record.TypeNS && r.Name == apex {
		return true
	}
	for _, p := range e.protected {
		name, err := record.CanonicalName(zone, p)
		if err == nil && name == r.Name {
			return true
		}
	}
	return false
}

type phase struct {
	action  Action
	records []record.Record
}

func (e *engine) phases(plan Plan) []phase {
	return []phase{
		{ActionDelete, plan.Delete},
		{ActionCreate, plan.Create},
		{ActionUpdate, plan.Update},
	}
}

// runPhase executes one kind of action with bounded parallelism. Results are
// positional with records.
func (e *engine) runPhase(ctx context.Context, zone string, action Action, records []record.Record) []Result {
	results := make([]Result, len(records))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			results[i] = Result{Action: action, Record: rec, Status: StatusCancelled, Kind: provider.KindCancelled, Err: err}
			continue
		}
		g.Go(func() error {
			results[i] = e.execute(ctx, zone, action, rec)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *engine) execute(ctx context.Context, zone string, action Action, rec record.Record) Result {
	logger := e.logger.With("zone", zone, "action", action, "name", rec.Name, "type", rec.Type)
	logger.Debug("Start action", "values", rec.Values)

	applied := rec
	var out retry.Outcome
	switch action {
	case ActionDelete:
		out = e.attempt(ctx, logger, action, func(ctx context.Context) error {
			return e.client.Delete(ctx, zone, rec)
		})
	case ActionCreate:
		out = e.attempt(ctx, logger, action, func(ctx context.Context) error {
			created, err := e.client.Create(ctx, zone, rec)
			if err == nil {
				applied = created
			}
			return err
		})
		if out.Kind == provider.KindConflict {
			return e.resolveConflict(ctx, logger, zone, rec, out)
		}
	case ActionUpdate:
		out = e.attempt(ctx, logger, action, func(ctx context.Context) error {
			updated, err := e.client.Update(ctx, zone, rec.ProviderID, rec)
			if err == nil {
				applied = updated
			}
			return err
		})
	}
	return e.finish(logger, zone, action, applied, out)
}

// resolveConflict handles a create that found the key already taken. The
// record is fetched again and updated in place, once.
func (e *engine) resolveConflict(ctx context.Context, logger *slog.Logger, zone string, rec record.Record, created retry.Outcome) Result {
	logger.Info("Record created concurrently, refetching", "error", created.Err)

	var current record.Record
	var found bool
	refetch := e.attempt(ctx, logger, ActionCreate, func(ctx context.Context) error {
		records, err := e.client.List(ctx, zone)
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(records, func(r record.Record) bool { return r.Key() == rec.Key() })
		found = idx >= 0
		if found {
			current = records[idx]
		}
		return nil
	})
	// Attempts count every call made for this record.
	attempts := created.Attempts + refetch.Attempts
	if !refetch.OK() {
		refetch.Attempts = attempts
		return e.finish(logger, zone, ActionCreate, rec, refetch)
	}
	if !found {
		created.Attempts = attempts
		created.Err = fmt.Errorf("record vanished after conflict: %w", created.Err)
		return e.finish(logger, zone, ActionCreate, rec, created)
	}
	if !record.Changed(rec, current) {
		logger.Info("Existing record already matches")
		return e.finish(logger, zone, ActionCreate, current, retry.Outcome{Attempts: attempts})
	}

	update := rec.Clone()
	update.ProviderID = current.ProviderID
	if update.TTL == 0 {
		update.TTL = current.TTL
	}
	applied := update
	out := e.attempt(ctx, logger, ActionUpdate, func(ctx context.Context) error {
		updated, err := e.client.Update(ctx, zone, update.ProviderID, update)
		if err == nil {
			applied = updated
		}
		return err
	})
	out.Attempts += attempts
	return e.finish(logger, zone, ActionCreate, applied, out)
}

// attempt runs op under the retry policy, admitting each call through the
// rate limiter.
func (e *engine) attempt(ctx context.Context, logger *slog.Logger, action Action, op func(ctx context.Context) error) retry.Outcome {
	policy := e.policy
	policy.OnRetry = func(attempt int, kind provider.Kind, wait time.Duration, err error) {
		logger.Warn("Retrying action", "attempt", attempt, "kind", kind, "wait", wait, "error", err)
		e.metrics.IncRetry(string(action), string(kind))
	}
	return policy.Execute(ctx, func(ctx context.Context) error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return provider.NewError(provider.KindCancelled, e.client.Name(), string(action), err)
			}
		}
		return op(ctx)
	})
}

func (e *engine) finish(logger *slog.Logger, zone string, action Action, rec record.Record, out retry.Outcome) Result {
	res := Result{
		Action:   action,
		Record:   rec,
		Status:   statusOf(out),
		Kind:     out.Kind,
		Attempts: out.Attempts,
		Err:      out.Err,
	}
	e.metrics.IncDNSAction(string(action), record.Bare(zone), string(rec.Type), string(res.Status))

	switch res.Status {
	case StatusSucceeded:
		logger.Info("Action succeeded", "attempts", res.Attempts)
	case StatusCancelled:
		logger.Warn("Action cancelled", "attempts", res.Attempts)
	default:
		logger.Error("Action failed", "status", res.Status, "kind", res.Kind, "attempts", res.Attempts, "error", res.Err)
	}
	return res
}

func statusOf(out retry.Outcome) Status {
	if out.OK() {
		return StatusSucceeded
	}
	switch out.Kind {
	case provider.KindCancelled:
		return StatusCancelled
	case provider.KindConflict:
		return StatusFailedConflict
	case provider.KindTransient, provider.KindRateLimited:
		return StatusFailedTransient
	default:
		return StatusFailedPermanent
	}
}

func cancelled(action Action, records []record.Record, err error) []Result {
	out := make([]Result, len(records))
	for i, rec := range records {
		out[i] = Result{Action: action, Record: rec, Status: StatusCancelled, Kind: provider.KindCancelled, Err: err}
	}
	return out
}
