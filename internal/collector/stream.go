package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"RedDaySentinel/internal/model"
)

const defaultStreamURL = "wss://stream.binance.com:9443/ws"

// ErrNoFreshPrice is returned when the stream has not delivered a price within MaxAge.
var ErrNoFreshPrice = errors.New("no fresh stream price")

// StreamFetcher keeps the latest price from the Binance <symbol>@miniTicker
// stream. Daily bars are delegated to a REST fetcher.
type StreamFetcher struct {
	URL    string
	Symbol string
	MaxAge time.Duration
	Bars   Fetcher

	log zerolog.Logger
	now func() time.Time

	mu     sync.RWMutex
	price  float64
	seenAt time.Time
}

// NewStreamFetcher creates a stream fetcher for symbol. Call Run to connect.
func NewStreamFetcher(url, symbol string, maxAge time.Duration, bars Fetcher, log zerolog.Logger) *StreamFetcher {
	if url == "" {
		url = defaultStreamURL
	}
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	return &StreamFetcher{
		URL:    strings.TrimRight(url, "/"),
		Symbol: symbol,
		MaxAge: maxAge,
		Bars:   bars,
		log:    log.With().Str("component", "stream").Logger(),
		now:    time.Now,
	}
}

func (f *StreamFetcher) Name() string { return "binance-stream" }

// miniTicker is the subset of the 24hrMiniTicker event we read.
type miniTicker struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

func (f *StreamFetcher) FetchCurrentPrice(_ context.Context, symbol string) (float64, error) {
	if !strings.EqualFold(symbol, f.Symbol) {
		return 0, fmt.Errorf("stream subscribed to %s, not %s", f.Symbol, symbol)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.price <= 0 || f.now().Sub(f.seenAt) > f.MaxAge {
		return 0, ErrNoFreshPrice
	}
	return f.price, nil
}

func (f *StreamFetcher) FetchDailyBars(ctx context.Context, symbol string, days int) ([]model.DailyBar, error) {
	if f.Bars == nil {
		return nil, errors.New("stream fetcher has no bar source")
	}
	return f.Bars.FetchDailyBars(ctx, symbol, days)
}

// Run connects and reads until ctx is cancelled, reconnecting with exponential backoff.
func (f *StreamFetcher) Run(ctx context.Context) {
	delay := time.Second
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return
		}
		f.log.Warn().Err(err).Dur("retry_in", delay).Msg("stream disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > time.Minute {
			delay = time.Minute
		}
	}
}

func (f *StreamFetcher) streamURL() string {
	return fmt.Sprintf("%s/%s@miniTicker", f.URL, strings.ToLower(f.Symbol))
}

func (f *StreamFetcher) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()
	f.log.Info().Str("url", f.streamURL()).Msg("stream connected")

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	// Binance pings every few minutes; the default handler answers with a pong.
	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := f.handleMessage(msg); err != nil {
			f.log.Debug().Err(err).Msg("ignoring stream message")
		}
	}
}

func (f *StreamFetcher) handleMessage(msg []byte) error {
	var t miniTicker
	if err := json.Unmarshal(msg, &t); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if t.Event != "24hrMiniTicker" || !strings.EqualFold(t.Symbol, f.Symbol) {
		return fmt.Errorf("unexpected event %q for %q", t.Event, t.Symbol)
	}
	p, err := strconv.ParseFloat(t.Close, 64)
	if err != nil || p <= 0 {
		return fmt.Errorf("bad price %q", t.Close)
	}

	f.mu.Lock()
	f.price = p
	f.seenAt = f.now()
	f.mu.Unlock()
	return nil
}
