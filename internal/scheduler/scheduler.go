package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"RedDaySentinel/internal/logger"
	"RedDaySentinel/internal/metrics"
	"RedDaySentinel/internal/model"
	"RedDaySentinel/internal/notifier"
	"RedDaySentinel/internal/recorder"
	"RedDaySentinel/internal/strategy"
	"RedDaySentinel/internal/tracker"
)

// ErrSkipped is returned by FireManual when a cap prevents the trigger.
var ErrSkipped = errors.New("trigger skipped")

var errDelivery = errors.New("delivery failed")

// Source supplies observations. Implemented by collector.Collector.
type Source interface {
	Intraday(ctx context.Context) (model.Observation, error)
	SessionClose(ctx context.Context) (model.Observation, error)
	CurrentPrice(ctx context.Context) (float64, error)
}

// Deliverer sends the emails of a committed trigger. Implemented by notifier.Dispatcher.
type Deliverer interface {
	Deliver(ctx context.Context, rec model.TriggerRecord) error
}

// Deps wires a Scheduler.
type Deps struct {
	Source   Source
	Tracker  *tracker.Manager
	Notifier Deliverer
	Recorder recorder.Recorder // optional
	Metrics  *metrics.Recorder // optional
	Rules    strategy.Rules
	Symbol   string
}

// Scheduler runs the intraday and session-close checks. One check runs at a time.
type Scheduler struct {
	Cron     *cron.Cron
	Source   Source
	Tracker  *tracker.Manager
	Notifier Deliverer
	Recorder recorder.Recorder
	Metrics  *metrics.Recorder
	Rules    strategy.Rules
	Symbol   string
	RunID    string
	Ctx      context.Context

	mu       sync.Mutex
	log      zerolog.Logger
	now      func() time.Time
	done     chan struct{}
	doneOnce sync.Once
}

// NewScheduler creates a new Scheduler.
func NewScheduler(ctx context.Context, deps Deps, log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	cl := logger.NewCronLogger(log)
	rec := deps.Recorder
	if rec == nil {
		rec = recorder.NewNoopRecorder()
	}
	return &Scheduler{
		Cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		Source:   deps.Source,
		Tracker:  deps.Tracker,
		Notifier: deps.Notifier,
		Recorder: rec,
		Metrics:  deps.Metrics,
		Rules:    deps.Rules,
		Symbol:   deps.Symbol,
		RunID:    uuid.NewString(),
		Ctx:      ctx,
		log:      log,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// RegisterAll registers the intraday and session-close checks.
func (s *Scheduler) RegisterAll(intradayCron, closeCron string) error {
	if _, err := s.Cron.AddFunc(intradayCron, func() { s.run("intraday", s.CheckIntraday) }); err != nil {
		return fmt.Errorf("register intraday check: %w", err)
	}
	if _, err := s.Cron.AddFunc(closeCron, func() { s.run("session close", s.CheckClose) }); err != nil {
		return fmt.Errorf("register session close check: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.log.Info().Str("run_id", s.RunID).Msg("scheduler started")
	s.checkComplete()
}

// Stop stops the cron scheduler and waits for a running check to finish.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// Done is closed once every trigger has fired and been delivered.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// RunNow catches up on a missed session close, then runs an intraday check.
func (s *Scheduler) RunNow() {
	s.run("session close", s.CheckClose)
	s.run("intraday", s.CheckIntraday)
}

func (s *Scheduler) run(name string, check func(context.Context) error) {
	if err := check(s.Ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Str("check", name).Msg("check skipped")
	}
}

// CheckIntraday compares the live price against yesterday's close.
// Pending notifications from earlier triggers are retried first.
func (s *Scheduler) CheckIntraday(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.now()
	defer func() { s.Metrics.RecordDuration("intraday", s.now().Sub(start).Seconds()) }()

	s.retryPending(ctx)
	if s.checkComplete() {
		return nil
	}

	obs, err := s.Source.Intraday(ctx)
	if err != nil {
		s.Metrics.RecordFetchError(string(model.ObservationIntraday))
		if obs.Price <= 0 {
			return fmt.Errorf("intraday observation: %w", err)
		}
		s.log.Warn().Err(err).Msg("reference close unavailable from source")
	}

	if obs.ReferenceClose != nil {
		s.refreshReference(*obs.ReferenceClose, obs.ReferenceDate)
	} else {
		s.fallbackReference(&obs)
	}
	return s.evaluate(ctx, obs)
}

// CheckClose evaluates the last completed daily candle against the one before it.
// The session's close becomes the reference for the next day's intraday checks.
func (s *Scheduler) CheckClose(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.now()
	defer func() { s.Metrics.RecordDuration("session_close", s.now().Sub(start).Seconds()) }()

	if s.checkComplete() {
		return nil
	}

	obs, err := s.Source.SessionClose(ctx)
	if err != nil {
		s.Metrics.RecordFetchError(string(model.ObservationSessionClose))
		return fmt.Errorf("session close observation: %w", err)
	}
	s.refreshReference(obs.Price, obs.SessionDate)
	return s.evaluate(ctx, obs)
}

// FireManual fires the next trigger at the current price regardless of the change.
// Both caps still apply. A delivery failure is returned but the trigger stays committed.
func (s *Scheduler) FireManual(ctx context.Context) (model.TriggerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, err := s.Source.CurrentPrice(ctx)
	if err != nil {
		s.Metrics.RecordFetchError("manual")
		return model.TriggerRecord{}, fmt.Errorf("fetch current price: %w", err)
	}

	d, err := strategy.ManualDecision(s.Tracker.Snapshot(), price, s.now(), s.Rules)
	s.recordObservation(ctx, d, err)
	if err != nil {
		return model.TriggerRecord{}, err
	}
	if !d.Fired {
		s.Metrics.RecordSkip(reasonLabel(d.Reason))
		return model.TriggerRecord{}, fmt.Errorf("%w: %s", ErrSkipped, d.Reason)
	}
	return s.fire(ctx, d)
}

func (s *Scheduler) evaluate(ctx context.Context, obs model.Observation) error {
	d, err := strategy.Evaluate(obs, s.Tracker.Snapshot(), s.Rules)
	s.recordObservation(ctx, d, err)
	if err != nil {
		if errors.Is(err, strategy.ErrInvalidInput) {
			s.Metrics.RecordSkip("invalid_input")
		}
		return fmt.Errorf("evaluate %s: %w", obs.Kind, err)
	}

	if !d.Fired {
		s.Metrics.RecordSkip(reasonLabel(d.Reason))
		s.log.Debug().
			Str("kind", string(obs.Kind)).
			Float64("price", obs.Price).
			Float64("change_pct", d.DropPct).
			Str("reason", d.Reason).
			Msg("no trigger")
		return nil
	}

	if _, err := s.fire(ctx, d); err != nil && !errors.Is(err, errDelivery) {
		return err
	}
	return nil
}

// fire commits the decision, then delivers its emails.
func (s *Scheduler) fire(ctx context.Context, d model.Decision) (model.TriggerRecord, error) {
	rec, err := s.Tracker.Commit(d, s.now())
	if err != nil {
		return model.TriggerRecord{}, fmt.Errorf("commit trigger: %w", err)
	}
	s.Metrics.RecordTrigger(string(rec.Category), rec.Number)
	s.recordTrigger(ctx, rec, d.Plan)

	s.log.Info().
		Int("trigger", rec.Number).
		Int("max", s.Rules.MaxTriggers).
		Str("category", string(rec.Category)).
		Float64("price", rec.Price).
		Float64("drop_pct", rec.DropPct).
		Bool("bonus", d.Plan.IncludesBonus).
		Msg("trigger fired")

	if err := s.Notifier.Deliver(ctx, rec); err != nil {
		s.log.Error().Err(err).Int("trigger", rec.Number).Msg("notification failed, retrying on next tick")
		return rec, fmt.Errorf("%w: %w", errDelivery, err)
	}
	s.checkComplete()
	return rec, nil
}

// pendingRetryAfter is how old a pending trigger must be before a tick
// retries it. A trigger committed by the trigger command is delivered by that
// command meanwhile.
const pendingRetryAfter = 2 * time.Minute

func (s *Scheduler) retryPending(ctx context.Context) {
	for _, rec := range s.Tracker.Pending() {
		if s.now().Sub(rec.Time) < pendingRetryAfter {
			s.log.Debug().Int("trigger", rec.Number).Msg("pending trigger too recent to retry")
			return
		}
		s.log.Info().Int("trigger", rec.Number).Msg("retrying pending notifications")
		if err := s.Notifier.Deliver(ctx, rec); err != nil {
			s.log.Error().Err(err).Int("trigger", rec.Number).Msg("pending notification still failing")
			return
		}
	}
}

func (s *Scheduler) refreshReference(close float64, date string) {
	if _, err := s.Tracker.RefreshReference(close, date); err != nil {
		s.log.Warn().Err(err).Msg("could not refresh reference close")
	}
}

// fallbackReference uses the persisted close when it belongs to the day before the session.
func (s *Scheduler) fallbackReference(obs *model.Observation) {
	st := s.Tracker.Snapshot()
	if st.YesterdayClose == nil || st.YesterdayCloseDate == nil {
		return
	}
	if *st.YesterdayCloseDate != dayBefore(obs.SessionDate) {
		return
	}
	ref := *st.YesterdayClose
	obs.ReferenceClose = &ref
	obs.ReferenceDate = *st.YesterdayCloseDate
	s.log.Debug().Float64("reference_close", ref).Msg("using persisted reference close")
}

// checkComplete closes Done once the cap is reached and nothing is pending.
func (s *Scheduler) checkComplete() bool {
	if s.Tracker.Snapshot().TriggerCount < s.Rules.MaxTriggers {
		return false
	}
	if len(s.Tracker.Pending()) > 0 {
		return false
	}
	s.doneOnce.Do(func() {
		s.log.Info().Int("triggers", s.Rules.MaxTriggers).Msg("all triggers executed, nothing left to watch")
		close(s.done)
	})
	return true
}

// HandleCommand processes a chat command and returns a reply.
func (s *Scheduler) HandleCommand(ctx context.Context, command string) string {
	switch command {
	case "/status":
		return notifier.FormatStatus(s.Tracker.Snapshot(), s.Rules.MaxTriggers)
	case "/check":
		if err := s.CheckIntraday(ctx); err != nil {
			return "❌ check failed: " + err.Error()
		}
		return notifier.FormatStatus(s.Tracker.Snapshot(), s.Rules.MaxTriggers)
	case "/pending":
		pending := s.Tracker.Pending()
		if len(pending) == 0 {
			return "No pending notifications."
		}
		var b strings.Builder
		b.WriteString("Pending notifications:\n")
		for _, r := range pending {
			fmt.Fprintf(&b, "  #%d %s broker=%t personal=%t\n", r.Number, r.Date, r.BrokerSentAt != nil, r.PersonalSentAt != nil)
		}
		return b.String()
	default:
		return "Available commands:\n• /status\n• /check\n• /pending"
	}
}

// NotificationResult journals one send attempt. Wired as the dispatcher's result hook.
func (s *Scheduler) NotificationResult(ctx context.Context, kind string, rec model.TriggerRecord, err error) {
	s.Metrics.RecordNotification(kind, err)
	evt := &recorder.NotificationEvent{
		RunID:     s.RunID,
		Timestamp: s.now().UTC(),
		Trigger:   rec.Number,
		Kind:      kind,
		Success:   err == nil,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	if rerr := s.Recorder.RecordNotification(ctx, evt); rerr != nil {
		s.log.Error().Err(rerr).Msg("record notification")
	}
}

func (s *Scheduler) recordObservation(ctx context.Context, d model.Decision, evalErr error) {
	obs := d.Observation
	evt := &recorder.ObservationEvent{
		RunID:          s.RunID,
		Timestamp:      obs.ObservedAt.UTC(),
		Kind:           string(obs.Kind),
		Symbol:         s.symbol(obs),
		Source:         obs.Source,
		Price:          obs.Price,
		ReferenceClose: obs.ReferenceClose,
		ReferenceDate:  obs.ReferenceDate,
		SessionDate:    obs.SessionDate,
		Fired:          d.Fired,
		Reason:         d.Reason,
	}
	if evalErr != nil {
		evt.Reason = evalErr.Error()
	} else if d.Fired || d.Reason == strategy.ReasonAboveThreshold {
		change := d.DropPct
		evt.ChangePct = &change
	}
	s.Metrics.RecordObservation(evt.Symbol, evt.Kind, obs.Price, evt.ChangePct)
	if err := s.Recorder.RecordObservation(ctx, evt); err != nil {
		s.log.Error().Err(err).Msg("record observation")
	}
}

func (s *Scheduler) recordTrigger(ctx context.Context, rec model.TriggerRecord, plan model.PurchasePlan) {
	if err := s.Recorder.RecordTrigger(ctx, &recorder.TriggerEvent{
		RunID:          s.RunID,
		Timestamp:      rec.Time,
		Number:         rec.Number,
		Date:           rec.Date,
		Category:       string(rec.Category),
		Price:          rec.Price,
		ReferenceClose: rec.YesterdayClose,
		DropPct:        rec.DropPct,
		CryptoTotal:    plan.CryptoTotal().StringFixed(2),
		EquityTotal:    plan.EquityTotal().StringFixed(2),
		IncludesBonus:  plan.IncludesBonus,
	}); err != nil {
		s.log.Error().Err(err).Msg("record trigger")
	}
}

func (s *Scheduler) symbol(obs model.Observation) string {
	if obs.Symbol != "" {
		return obs.Symbol
	}
	return s.Symbol
}

func reasonLabel(reason string) string {
	return strings.ReplaceAll(reason, " ", "_")
}

func dayBefore(date string) string {
	t, err := time.Parse(model.DateLayout, date)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, -1).Format(model.DateLayout)
}
