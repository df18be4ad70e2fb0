package stream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/events"
)

const (
	feedWriteWait   = 10 * time.Second
	feedDialTimeout = 30 * time.Second

	feedBaseReconnectDelay = 5 * time.Second
	feedMaxReconnectDelay  = 5 * time.Minute
)

// BarSink receives live bars from the feed
type BarSink interface {
	Offer(symbol string, bar domain.Bar)
}

// feedFrame is the wire form of one streamed bar:
// ["bars", {"symbol": ..., "timestamp": ..., "o": ..., ...}]
type feedFrame struct {
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
}

// Feed streams live bars over a websocket and hands them to the sink.
// It reconnects with exponential backoff until stopped.
type Feed struct {
	url        string
	httpClient *http.Client
	sink       BarSink
	events     *events.Manager
	log        zerolog.Logger

	mu           sync.RWMutex
	conn         *websocket.Conn
	connCtx      context.Context
	cancelFunc   context.CancelFunc
	connected    bool
	reconnecting bool
	stopped      bool
	symbols      []string
	received     uint64

	stopChan chan struct{}
}

// feedHTTP1Client forces HTTP/1.1: proxies that negotiate HTTP/2 via
// ALPN break the websocket upgrade handshake.
func feedHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewFeed creates a live bar feed
func NewFeed(url string, sink BarSink, em *events.Manager, log zerolog.Logger) *Feed {
	return &Feed{
		url:        url,
		httpClient: feedHTTP1Client(),
		sink:       sink,
		events:     em,
		log:        log.With().Str("service", "feed").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// Start connects and begins the read loop. A failed initial dial is
// not fatal: the reconnect loop keeps trying in the background.
func (f *Feed) Start(symbols []string) error {
	f.mu.Lock()
	f.symbols = append([]string(nil), symbols...)
	f.mu.Unlock()

	if err := f.connect(); err != nil {
		f.log.Warn().Err(err).Msg("Initial feed connection failed, retrying in background")
		go f.reconnectLoop()
		return err
	}

	f.mu.RLock()
	ctx := f.connCtx
	f.mu.RUnlock()
	go f.readLoop(ctx)
	return nil
}

// Stop closes the connection. Idempotent.
func (f *Feed) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()

	close(f.stopChan)
	return f.disconnect()
}

// Subscribe adds a symbol to the live subscription mid-session
func (f *Feed) Subscribe(symbol string) error {
	f.mu.Lock()
	for _, s := range f.symbols {
		if s == symbol {
			f.mu.Unlock()
			return nil
		}
	}
	f.symbols = append(f.symbols, symbol)
	conn, ctx := f.conn, f.connCtx
	f.mu.Unlock()

	if conn == nil {
		return nil // picked up by the next (re)connect
	}
	return f.writeSubscription(ctx, conn, []string{symbol})
}

// Connected reports the current connection state
func (f *Feed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Received returns the number of bars delivered to the sink
func (f *Feed) Received() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.received
}

func (f *Feed) connect() error {
	err := f.dialAndSubscribe()
	if err == nil {
		f.emitStatus(true)
	}
	return err
}

func (f *Feed) dialAndSubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.log.Info().Str("url", f.url).Msg("Connecting to bar feed")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), feedDialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, f.url, &websocket.DialOptions{
		HTTPClient: f.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial feed: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.connCtx = connCtx
	f.cancelFunc = connCancel
	f.connected = true

	if err := f.writeSubscription(connCtx, conn, f.symbols); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		f.conn = nil
		f.connCtx = nil
		f.cancelFunc = nil
		f.connected = false
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

func (f *Feed) disconnect() error {
	f.mu.Lock()
	if f.conn == nil {
		f.mu.Unlock()
		return nil
	}

	if f.cancelFunc != nil {
		f.cancelFunc()
		f.cancelFunc = nil
	}

	err := f.conn.Close(websocket.StatusNormalClosure, "")
	f.conn = nil
	f.connCtx = nil
	f.connected = false
	f.mu.Unlock()

	f.emitStatus(false)

	if err != nil {
		return fmt.Errorf("error closing feed: %w", err)
	}
	return nil
}

// writeSubscription sends ["subscribe", ["AAPL.US", ...]]
func (f *Feed) writeSubscription(ctx context.Context, conn *websocket.Conn, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	payload, err := json.Marshal([]interface{}{"subscribe", symbols})
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, feedWriteWait)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("failed to send subscription: %w", err)
	}
	f.log.Info().Int("symbols", len(symbols)).Msg("Subscribed to bar stream")
	return nil
}

func (f *Feed) readLoop(ctx context.Context) {
	defer func() {
		f.log.Info().Msg("Feed read loop stopped")
		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if !stopped {
			go f.reconnectLoop()
		}
	}()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			switch {
			case closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway:
				f.log.Info().Int("status", int(closeStatus)).Msg("Feed closed normally")
			case ctx.Err() != nil:
				// Intentional disconnect
			default:
				f.log.Error().Err(err).Msg("Feed read error")
			}
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			f.emitStatus(false)
			return
		}

		if msgType != websocket.MessageText {
			continue
		}
		if err := f.handleMessage(message); err != nil {
			f.log.Error().Err(err).Msg("Failed to handle feed message")
		}
	}
}

// handleMessage parses ["bars", {...}] frames and forwards them
func (f *Feed) handleMessage(message []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(message, &raw); err != nil {
		return fmt.Errorf("failed to parse frame array: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("frame too short: got %d elements", len(raw))
	}

	var channel string
	if err := json.Unmarshal(raw[0], &channel); err != nil {
		return fmt.Errorf("failed to parse channel: %w", err)
	}
	if channel != "bars" {
		return nil
	}

	var frame feedFrame
	if err := json.Unmarshal(raw[1], &frame); err != nil {
		return fmt.Errorf("failed to parse bar frame: %w", err)
	}
	if frame.Symbol == "" || frame.Timestamp <= 0 {
		return fmt.Errorf("bar frame missing symbol or timestamp")
	}

	f.sink.Offer(frame.Symbol, domain.Bar{
		Timestamp: time.Unix(frame.Timestamp, 0).UTC(),
		Open:      frame.Open,
		High:      frame.High,
		Low:       frame.Low,
		Close:     frame.Close,
		Volume:    frame.Volume,
	})

	f.mu.Lock()
	f.received++
	f.mu.Unlock()
	return nil
}

func (f *Feed) reconnectLoop() {
	f.mu.Lock()
	if f.reconnecting || f.stopped {
		f.mu.Unlock()
		return
	}
	f.reconnecting = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.reconnecting = false
		f.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		attempt++
		delay := feedBackoff(attempt)
		f.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to feed")

		select {
		case <-time.After(delay):
		case <-f.stopChan:
			return
		}

		if err := f.connect(); err != nil {
			f.log.Error().Err(err).Int("attempt", attempt).Msg("Feed reconnection failed")
			continue
		}

		f.log.Info().Int("attempt", attempt).Msg("Feed reconnected")
		f.mu.RLock()
		ctx := f.connCtx
		f.mu.RUnlock()
		go f.readLoop(ctx)
		return
	}
}

// feedBackoff is exponential from the base delay, capped
func feedBackoff(attempt int) time.Duration {
	delay := float64(feedBaseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(feedMaxReconnectDelay) {
		delay = float64(feedMaxReconnectDelay)
	}
	return time.Duration(delay)
}

// emitStatus publishes the connection state change. The bus runs
// handlers synchronously, so f.mu must not be held here.
func (f *Feed) emitStatus(connected bool) {
	if f.events == nil {
		return
	}
	f.events.EmitTyped("feed", &events.FeedStatusData{
		Connected: connected,
		URL:       f.url,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
