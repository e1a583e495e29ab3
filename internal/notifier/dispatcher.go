package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"RedDaySentinel/internal/model"
	"RedDaySentinel/internal/strategy"
)

// Notification kinds reported to the result hook.
const (
	KindBroker     = "broker"
	KindPersonal   = "personal"
	KindCompletion = "completion"
	KindTelegram   = "telegram"
)

// Ledger records confirmed sends. Implemented by tracker.Manager.
type Ledger interface {
	MarkBrokerSent(n int, at time.Time) error
	MarkPersonalSent(n int, at time.Time) error
	MarkCompletionSent(n int, at time.Time) error
	Snapshot() model.TriggerState
}

// Messenger is an optional chat mirror.
type Messenger interface {
	SendWithRetry(ctx context.Context, text string, maxRetries int) error
}

// Recipient is one email destination.
type Recipient struct {
	Email string
	Name  string
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Mailer      Mailer
	Renderer    *Renderer
	Ledger      Ledger
	Broker      Recipient
	Personal    Recipient
	Table       strategy.AllocationTable
	MaxTriggers int
	MaxRetries  int
	Telegram    Messenger // optional
	// OnResult is called after every send attempt.
	OnResult func(ctx context.Context, kind string, rec model.TriggerRecord, err error)
}

// Dispatcher delivers the emails of a committed trigger.
type Dispatcher struct {
	cfg DispatcherConfig
	log zerolog.Logger
	now func() time.Time
}

func NewDispatcher(cfg DispatcherConfig, log zerolog.Logger) *Dispatcher {
	if cfg.OnResult == nil {
		cfg.OnResult = func(context.Context, string, model.TriggerRecord, error) {}
	}
	return &Dispatcher{
		cfg: cfg,
		log: log.With().Str("component", "dispatcher").Logger(),
		now: time.Now,
	}
}

// Deliver sends whatever is still unconfirmed for rec: the broker order first,
// then the personal alert, then the completion summary for the trigger that
// reaches the cap. Each send is marked in the ledger as soon as it is
// confirmed, so a retry never repeats a delivered email. The personal alert is
// never sent before the broker order is confirmed.
func (d *Dispatcher) Deliver(ctx context.Context, rec model.TriggerRecord) error {
	log := d.log.With().Int("trigger", rec.Number).Logger()

	// Step 1: broker order
	if rec.BrokerSentAt == nil {
		email, err := d.cfg.Renderer.BrokerOrder(rec)
		if err != nil {
			return err
		}
		email.To, email.ToName = d.cfg.Broker.Email, d.cfg.Broker.Name
		if err := d.send(ctx, KindBroker, rec, email); err != nil {
			return err
		}
		at := d.now()
		if err := d.cfg.Ledger.MarkBrokerSent(rec.Number, at); err != nil {
			return fmt.Errorf("mark broker sent: %w", err)
		}
		rec.BrokerSentAt = &at
		log.Info().Str("to", email.To).Msg("broker order sent")
	}

	// Step 2: personal action alert, then the best-effort chat mirror
	if rec.PersonalSentAt == nil {
		email, err := d.cfg.Renderer.PersonalAlert(rec)
		if err != nil {
			return err
		}
		email.To, email.ToName = d.cfg.Personal.Email, d.cfg.Personal.Name
		if err := d.send(ctx, KindPersonal, rec, email); err != nil {
			return err
		}
		at := d.now()
		if err := d.cfg.Ledger.MarkPersonalSent(rec.Number, at); err != nil {
			return fmt.Errorf("mark personal sent: %w", err)
		}
		rec.PersonalSentAt = &at
		log.Info().Str("to", email.To).Msg("personal alert sent")
		d.mirror(ctx, rec)
	}

	// Step 3: completion summary
	if (rec.Final || (d.cfg.MaxTriggers > 0 && rec.Number >= d.cfg.MaxTriggers)) && rec.CompletionSentAt == nil {
		return d.complete(ctx, rec)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, kind string, rec model.TriggerRecord, email Email) error {
	if email.To == "" {
		err := fmt.Errorf("%s recipient is not configured", kind)
		d.cfg.OnResult(ctx, kind, rec, err)
		return err
	}
	err := SendWithRetry(ctx, d.cfg.Mailer, email, d.cfg.MaxRetries, d.log)
	d.cfg.OnResult(ctx, kind, rec, err)
	if err != nil {
		return fmt.Errorf("send %s email: %w", kind, err)
	}
	return nil
}

func (d *Dispatcher) mirror(ctx context.Context, rec model.TriggerRecord) {
	if d.cfg.Telegram == nil {
		return
	}
	text := FormatTriggerSummary(rec, d.cfg.Table.PlanFor(rec.Number), d.cfg.MaxTriggers)
	err := d.cfg.Telegram.SendWithRetry(ctx, text, d.cfg.MaxRetries)
	d.cfg.OnResult(ctx, KindTelegram, rec, err)
	if err != nil && !errors.Is(err, context.Canceled) {
		d.log.Error().Err(err).Int("trigger", rec.Number).Msg("telegram mirror failed")
	}
}

func (d *Dispatcher) complete(ctx context.Context, rec model.TriggerRecord) error {
	email, err := d.cfg.Renderer.Completion(d.cfg.Ledger.Snapshot().TriggerHistory)
	if err != nil {
		return fmt.Errorf("render completion email: %w", err)
	}
	email.To, email.ToName = d.cfg.Personal.Email, d.cfg.Personal.Name
	if err := d.send(ctx, KindCompletion, rec, email); err != nil {
		return err
	}
	if err := d.cfg.Ledger.MarkCompletionSent(rec.Number, d.now()); err != nil {
		return fmt.Errorf("mark completion sent: %w", err)
	}
	d.log.Info().Int("trigger", rec.Number).Msg("completion email sent")
	return nil
}
