package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"RedDaySentinel/internal/metrics"
	"RedDaySentinel/internal/model"
	"RedDaySentinel/internal/notifier"
	"RedDaySentinel/internal/recorder"
	"RedDaySentinel/internal/strategy"
	"RedDaySentinel/internal/tracker"
)

var testNow = time.Date(2026, 3, 10, 14, 5, 0, 0, time.UTC)

const (
	today     = "2026-03-10"
	yesterday = "2026-03-09"
)

type fakeSource struct {
	intraday    model.Observation
	intradayErr error
	close       model.Observation
	closeErr    error
	price       float64
	priceErr    error
	calls       int
}

func (f *fakeSource) Intraday(context.Context) (model.Observation, error) {
	f.calls++
	return f.intraday, f.intradayErr
}

func (f *fakeSource) SessionClose(context.Context) (model.Observation, error) {
	f.calls++
	return f.close, f.closeErr
}

func (f *fakeSource) CurrentPrice(context.Context) (float64, error) {
	f.calls++
	return f.price, f.priceErr
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []notifier.Email
	fail bool
}

func (m *fakeMailer) Name() string { return "fake" }

func (m *fakeMailer) Send(_ context.Context, e notifier.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("relay unavailable")
	}
	m.sent = append(m.sent, e)
	return nil
}

type captureRecorder struct {
	*recorder.NoopRecorder
	observations  []recorder.ObservationEvent
	triggers      []recorder.TriggerEvent
	notifications []recorder.NotificationEvent
}

func (c *captureRecorder) RecordObservation(_ context.Context, evt *recorder.ObservationEvent) error {
	c.observations = append(c.observations, *evt)
	return nil
}

func (c *captureRecorder) RecordTrigger(_ context.Context, evt *recorder.TriggerEvent) error {
	c.triggers = append(c.triggers, *evt)
	return nil
}

func (c *captureRecorder) RecordNotification(_ context.Context, evt *recorder.NotificationEvent) error {
	c.notifications = append(c.notifications, *evt)
	return nil
}

type harness struct {
	s      *Scheduler
	src    *fakeSource
	mailer *fakeMailer
	rec    *captureRecorder
	path   string
}

func newHarness(t *testing.T, initial *model.TriggerState) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dca_state.json")
	if initial != nil {
		if err := tracker.SaveState(path, initial); err != nil {
			t.Fatal(err)
		}
	}
	return newHarnessAt(t, path)
}

// newHarnessAt builds a harness over an existing (or absent) state file.
func newHarnessAt(t *testing.T, path string) *harness {
	t.Helper()
	mgr, err := tracker.NewManager(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	renderer, err := notifier.NewRenderer(strategy.DefaultTable, 15, notifier.Parties{SenderName: "Sam", BrokerName: "Alex"})
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		src:    &fakeSource{},
		mailer: &fakeMailer{},
		rec:    &captureRecorder{NoopRecorder: recorder.NewNoopRecorder()},
		path:   path,
	}
	disp := notifier.NewDispatcher(notifier.DispatcherConfig{
		Mailer:      h.mailer,
		Renderer:    renderer,
		Ledger:      mgr,
		Broker:      notifier.Recipient{Email: "broker@example.com", Name: "Alex"},
		Personal:    notifier.Recipient{Email: "me@example.com"},
		Table:       strategy.DefaultTable,
		MaxTriggers: 15,
		MaxRetries:  0,
		OnResult: func(ctx context.Context, kind string, rec model.TriggerRecord, err error) {
			h.s.NotificationResult(ctx, kind, rec, err)
		},
	}, zerolog.Nop())

	h.s = NewScheduler(context.Background(), Deps{
		Source:   h.src,
		Tracker:  mgr,
		Notifier: disp,
		Recorder: h.rec,
		Metrics:  metrics.New(),
		Rules:    strategy.DefaultRules(),
		Symbol:   "BTCUSDT",
	}, zerolog.Nop())
	h.s.now = func() time.Time { return testNow }
	return h
}

// sentState returns a state with n delivered triggers, the last one on lastDate.
func sentState(n int, lastDate string) *model.TriggerState {
	st := model.NewTriggerState()
	for i := 1; i <= n; i++ {
		date := fmt.Sprintf("2026-01-%02d", i)
		if i == n {
			date = lastDate
		}
		st.TriggerHistory = append(st.TriggerHistory, model.TriggerRecord{
			Number:       i,
			Date:         date,
			Price:        50000,
			DropPct:      -5,
			Category:     model.CategoryIntradayDip,
			Notification: model.NotificationSent,
		})
	}
	st.TriggerCount = n
	if n > 0 {
		st.LastTriggerDate = &lastDate
	}
	return st
}

func intradayObs(price float64, ref *float64) model.Observation {
	obs := model.Observation{
		Kind:        model.ObservationIntraday,
		Symbol:      "BTCUSDT",
		Source:      "fake",
		Price:       price,
		SessionDate: today,
		ObservedAt:  testNow,
	}
	if ref != nil {
		obs.ReferenceClose = ref
		obs.ReferenceDate = yesterday
	}
	return obs
}

func ptr[T any](v T) *T { return &v }

func TestCheckIntraday_EndToEnd(t *testing.T) {
	h := newHarness(t, sentState(2, yesterday))
	h.src.intraday = intradayObs(47650, ptr(50000.0))

	if err := h.s.CheckIntraday(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state := h.s.Tracker.Snapshot()
	if state.TriggerCount != 3 || *state.LastTriggerDate != today {
		t.Fatalf("expected trigger #3 on %s, got count %d on %v", today, state.TriggerCount, *state.LastTriggerDate)
	}
	last := state.TriggerHistory[len(state.TriggerHistory)-1]
	if last.Category != model.CategoryIntradayDip || last.DropPct != -4.7 || last.Notification != model.NotificationSent {
		t.Errorf("unexpected record: %+v", last)
	}
	if state.YesterdayClose == nil || *state.YesterdayClose != 50000 || *state.YesterdayCloseDate != yesterday {
		t.Errorf("reference close not refreshed: %+v", state)
	}

	persisted, err := tracker.LoadState(h.path)
	if err != nil {
		t.Fatal(err)
	}
	if persisted.TriggerCount != 3 || len(persisted.TriggerHistory) != 3 || persisted.TriggerHistory[2].Date != today {
		t.Errorf("state not persisted: %+v", persisted)
	}

	if len(h.mailer.sent) != 2 {
		t.Fatalf("expected broker and personal emails, got %d", len(h.mailer.sent))
	}
	broker, personal := h.mailer.sent[0], h.mailer.sent[1]
	if broker.To != "broker@example.com" || !strings.Contains(broker.Subject, "#3 of 15") {
		t.Errorf("unexpected broker email: %s to %s", broker.Subject, broker.To)
	}
	for _, asset := range []string{"BANANA", "BONK"} {
		if !strings.Contains(broker.Text, asset) {
			t.Errorf("broker order missing bonus asset %s", asset)
		}
	}
	if personal.To != "me@example.com" {
		t.Errorf("unexpected personal recipient %s", personal.To)
	}

	if len(h.rec.triggers) != 1 || !h.rec.triggers[0].IncludesBonus || h.rec.triggers[0].CryptoTotal != "2799.99" {
		t.Errorf("unexpected trigger events: %+v", h.rec.triggers)
	}
	if len(h.rec.notifications) != 2 || !h.rec.notifications[0].Success || h.rec.notifications[0].Kind != notifier.KindBroker {
		t.Errorf("unexpected notification events: %+v", h.rec.notifications)
	}
	if len(h.rec.observations) != 1 || !h.rec.observations[0].Fired || h.rec.observations[0].RunID != h.s.RunID {
		t.Errorf("unexpected observation events: %+v", h.rec.observations)
	}

	// Replaying the same day's data must not fire again.
	if err := h.s.CheckIntraday(context.Background()); err != nil {
		t.Fatalf("replay: unexpected error: %v", err)
	}
	if got := h.s.Tracker.Snapshot().TriggerCount; got != 3 {
		t.Errorf("replay fired again: count %d", got)
	}
	if len(h.mailer.sent) != 2 {
		t.Errorf("replay sent %d extra emails", len(h.mailer.sent)-2)
	}
	if h.rec.observations[1].Reason != strategy.ReasonAlreadyTriggered {
		t.Errorf("expected daily cap reason, got %q", h.rec.observations[1].Reason)
	}
}

func TestCheckIntraday_AboveThreshold(t *testing.T) {
	h := newHarness(t, nil)
	h.src.intraday = intradayObs(95.5, ptr(100.0))

	if err := h.s.CheckIntraday(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.s.Tracker.Snapshot().TriggerCount != 0 || len(h.mailer.sent) != 0 {
		t.Error("a 4.5% drop must not fire")
	}
	obs := h.rec.observations[0]
	if obs.ChangePct == nil || *obs.ChangePct != -4.5 || obs.Reason != strategy.ReasonAboveThreshold {
		t.Errorf("unexpected observation event: %+v", obs)
	}
}

func TestCheckIntraday_FallbackReference(t *testing.T) {
	st := model.NewTriggerState()
	st.YesterdayClose = ptr(100.0)
	st.YesterdayCloseDate = ptr(yesterday)
	h := newHarness(t, st)
	h.src.intraday = intradayObs(95, nil)

	if err := h.s.CheckIntraday(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state := h.s.Tracker.Snapshot()
	if state.TriggerCount != 1 {
		t.Fatalf("expected trigger from persisted reference, got count %d", state.TriggerCount)
	}
	if rec := state.TriggerHistory[0]; rec.YesterdayClose == nil || *rec.YesterdayClose != 100 {
		t.Errorf("expected reference 100, got %+v", rec.YesterdayClose)
	}
}

func TestCheckIntraday_StaleReferenceSkips(t *testing.T) {
	st := model.NewTriggerState()
	st.YesterdayClose = ptr(100.0)
	st.YesterdayCloseDate = ptr("2026-03-07")
	h := newHarness(t, st)
	h.src.intraday = intradayObs(90, nil)

	err := h.s.CheckIntraday(context.Background())
	if !errors.Is(err, strategy.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if h.s.Tracker.Snapshot().TriggerCount != 0 {
		t.Error("must not fire without a usable reference")
	}
}

func TestCheckIntraday_FetchError(t *testing.T) {
	h := newHarness(t, nil)
	h.src.intradayErr = errors.New("connection refused")

	if err := h.s.CheckIntraday(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
	if h.s.Tracker.Snapshot().TriggerCount != 0 || len(h.rec.observations) != 0 {
		t.Error("a failed fetch must skip the tick")
	}
}

func TestCheckIntraday_RetriesPendingNotifications(t *testing.T) {
	h := newHarness(t, nil)
	h.mailer.fail = true
	h.src.intraday = intradayObs(95, ptr(100.0))

	if err := h.s.CheckIntraday(context.Background()); err != nil {
		t.Fatalf("delivery failure should not fail the tick: %v", err)
	}
	if got := len(h.s.Tracker.Pending()); got != 1 {
		t.Fatalf("expected 1 pending trigger, got %d", got)
	}
	if n := h.rec.notifications[0]; n.Success || n.Kind != notifier.KindBroker {
		t.Errorf("expected failed broker notification, got %+v", n)
	}

	h.mailer.fail = false
	h.src.intraday = intradayObs(99, ptr(100.0))
	if err := h.s.CheckIntraday(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.mailer.sent) != 0 {
		t.Fatalf("a trigger committed this minute must not be retried yet")
	}

	h.s.now = func() time.Time { return testNow.Add(pendingRetryAfter) }
	if err := h.s.CheckIntraday(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(h.s.Tracker.Pending()); got != 0 {
		t.Errorf("expected pending notifications delivered, %d left", got)
	}
	if len(h.mailer.sent) != 2 || !strings.Contains(h.mailer.sent[0].Subject, "BUY ORDER") {
		t.Errorf("expected broker then personal email, got %d", len(h.mailer.sent))
	}
	if h.s.Tracker.Snapshot().TriggerCount != 1 {
		t.Error("retry must not create a new trigger")
	}
}

func TestCheckClose(t *testing.T) {
	h := newHarness(t, nil)
	h.src.close = model.Observation{
		Kind:           model.ObservationSessionClose,
		Symbol:         "BTCUSDT",
		Price:          96.6,
		ReferenceClose: ptr(100.0),
		ReferenceDate:  "2026-03-08",
		SessionDate:    yesterday,
		ObservedAt:     testNow,
	}

	if err := h.s.CheckClose(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state := h.s.Tracker.Snapshot()
	if state.TriggerCount != 1 {
		t.Fatalf("expected close-to-close trigger, got count %d", state.TriggerCount)
	}
	rec := state.TriggerHistory[0]
	if rec.Category != model.CategoryCloseToClose || rec.Date != yesterday {
		t.Errorf("unexpected record: %+v", rec)
	}
	if *state.YesterdayClose != 96.6 || *state.YesterdayCloseDate != yesterday {
		t.Errorf("session close should become the reference, got %v on %v", *state.YesterdayClose, *state.YesterdayCloseDate)
	}

	// A later intraday dip on a new session is still allowed.
	h.src.intraday = intradayObs(90, ptr(96.6))
	if err := h.s.CheckIntraday(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.s.Tracker.Snapshot().TriggerCount; got != 2 {
		t.Errorf("expected trigger #2 today, got count %d", got)
	}
}

func TestFireManual(t *testing.T) {
	st := model.NewTriggerState()
	st.YesterdayClose = ptr(62000.0)
	st.YesterdayCloseDate = ptr(yesterday)
	h := newHarness(t, st)
	h.src.price = 61000

	rec, err := h.s.FireManual(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Number != 1 || rec.Category != model.CategoryManual || rec.Date != today {
		t.Errorf("unexpected record: %+v", rec)
	}
	if len(h.mailer.sent) != 2 {
		t.Errorf("expected 2 emails, got %d", len(h.mailer.sent))
	}

	if _, err := h.s.FireManual(context.Background()); !errors.Is(err, ErrSkipped) {
		t.Errorf("second manual trigger on the same day: expected ErrSkipped, got %v", err)
	}
}

func TestFireManual_PriceError(t *testing.T) {
	h := newHarness(t, nil)
	h.src.priceErr = errors.New("timeout")
	if _, err := h.s.FireManual(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDone_AfterCap(t *testing.T) {
	h := newHarness(t, sentState(15, "2026-03-01"))

	if err := h.s.CheckIntraday(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-h.s.Done():
	default:
		t.Fatal("expected Done to be closed at the cap")
	}
	if h.src.calls != 0 {
		t.Errorf("no price should be fetched after the cap, got %d calls", h.src.calls)
	}
}

func TestDone_WaitsForPendingAtCap(t *testing.T) {
	st := sentState(15, "2026-03-01")
	st.TriggerHistory[14].Notification = model.NotificationPending
	h := newHarness(t, st)
	h.mailer.fail = true

	h.s.CheckIntraday(context.Background())
	select {
	case <-h.s.Done():
		t.Fatal("Done closed while the last trigger is undelivered")
	default:
	}

	h.mailer.fail = false
	h.s.CheckIntraday(context.Background())
	select {
	case <-h.s.Done():
	default:
		t.Fatal("expected Done once the last trigger was delivered")
	}
}

func TestHandleCommand(t *testing.T) {
	h := newHarness(t, sentState(2, yesterday))
	ctx := context.Background()

	if got := h.s.HandleCommand(ctx, "/status"); !strings.Contains(got, "Triggers: 2 of 15") {
		t.Errorf("unexpected status reply: %q", got)
	}
	if got := h.s.HandleCommand(ctx, "/pending"); got != "No pending notifications." {
		t.Errorf("unexpected pending reply: %q", got)
	}
	if got := h.s.HandleCommand(ctx, "/unknown"); !strings.Contains(got, "/status") {
		t.Errorf("expected help text, got %q", got)
	}
}

func TestRegisterAll(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.s.RegisterAll("@every 60s", "0 5 0 * * *"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(h.s.Cron.Entries()); got != 2 {
		t.Errorf("expected 2 cron entries, got %d", got)
	}
	if err := h.s.RegisterAll("not a spec", "0 5 0 * * *"); err == nil {
		t.Error("expected error for invalid cron spec")
	}
}

func TestCheckIntraday_LegacyStateFileSendsNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dca_state.json")
	legacy := `{
  "trigger_count": 2,
  "last_trigger_date": "2026-03-05",
  "yesterday_close": 50000.0,
  "yesterday_close_date": "2026-03-09",
  "trigger_history": [
    {"number": 1, "date": "2026-03-02", "time": "2026-03-02T15:41:07.123456+00:00", "price": 64210.5,
     "yesterday_close": 67400.0, "drop_pct": -4.733, "type": "Intraday dip (-4.73% \u2264 -4.7%)"},
    {"number": 2, "date": "2026-03-05", "time": "2026-03-05T00:05:02.000001+00:00", "price": 65001.0,
     "yesterday_close": 67300.0, "drop_pct": -3.416, "type": "Close-to-close (-3.42% \u2264 -3.3%)"}
  ]
}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHarnessAt(t, path)
	h.src.intraday = intradayObs(49900, ptr(50000.0))

	if n := len(h.s.Tracker.Pending()); n != 0 {
		t.Fatalf("pending after load = %d, want 0", n)
	}
	if err := h.s.CheckIntraday(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.mailer.sent) != 0 {
		t.Errorf("sent %d emails for already delivered triggers", len(h.mailer.sent))
	}
	if got := h.s.Tracker.Snapshot().TriggerCount; got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
}

func TestCheckIntraday_SeesTriggerFromAnotherProcess(t *testing.T) {
	h := newHarness(t, sentState(2, "2026-03-01"))

	other, err := tracker.NewManager(h.path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	manualAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	d, err := strategy.ManualDecision(other.Snapshot(), 48000, manualAt, strategy.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Commit(d, manualAt); err != nil {
		t.Fatalf("manual commit: %v", err)
	}

	h.src.intraday = intradayObs(47500, ptr(50000.0))
	if err := h.s.CheckIntraday(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := tracker.LoadState(h.path)
	if err != nil {
		t.Fatal(err)
	}
	if state.TriggerCount != 3 || state.TriggerHistory[2].Category != model.CategoryManual {
		t.Errorf("manual trigger overwritten: count %d, history %+v", state.TriggerCount, state.TriggerHistory)
	}
	// Only the manual trigger's pending emails are delivered, no second order.
	for _, e := range h.mailer.sent {
		if !strings.Contains(e.Subject, "#3") {
			t.Errorf("unexpected email %q", e.Subject)
		}
	}
	if len(h.mailer.sent) != 2 {
		t.Errorf("sent %d emails, want the 2 for the manual trigger", len(h.mailer.sent))
	}
}
