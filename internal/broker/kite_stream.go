package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
	"github.com/Anupamvm/mCube-ai-sub004/pkg/utils"
)

// KiteStreamer streams ticks and order updates over the Kite WebSocket.
// It is an escape-hatch surface: updates arrive as normalized types but
// without the serialization guarantees of the registry, since the
// socket pushes asynchronously.
type KiteStreamer struct {
	ticker      *kiteticker.Ticker
	apiKey      string
	accessToken string
	logger      zerolog.Logger

	onTick        func(models.Tick)
	onOrderUpdate func(models.OrderStatus)
	onError       func(error)

	connected    bool
	closing      bool
	subscribed   map[uint32]TickMode
	symbolTokens map[string]uint32
	tokenSymbols map[uint32]string

	reconnecting bool
	maxRetries   int
	baseDelay    time.Duration

	mu      sync.RWMutex
	writeMu sync.Mutex // guards websocket writes (Subscribe, SetMode)
}

// KiteStreamerConfig holds connection parameters for the stream.
type KiteStreamerConfig struct {
	APIKey      string
	AccessToken string
	MaxRetries  int
	BaseDelay   time.Duration
}

// NewKiteStreamer creates a streamer. Symbols must be registered with
// their instrument tokens before subscribing; the wire protocol only
// understands tokens.
func NewKiteStreamer(cfg KiteStreamerConfig, logger zerolog.Logger) *KiteStreamer {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	baseDelay := cfg.BaseDelay
	if baseDelay == 0 {
		baseDelay = time.Second
	}

	return &KiteStreamer{
		apiKey:       cfg.APIKey,
		accessToken:  cfg.AccessToken,
		logger:       logger.With().Str("component", "kite_stream").Logger(),
		subscribed:   make(map[uint32]TickMode),
		symbolTokens: make(map[string]uint32),
		tokenSymbols: make(map[uint32]string),
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
	}
}

// Connect establishes the WebSocket connection and blocks until it is
// up, ctx expires, or the handshake times out.
func (t *KiteStreamer) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.closing = false

	t.ticker = kiteticker.New(t.apiKey, t.accessToken)

	connectedCh := make(chan struct{})
	firstConnect := true

	t.ticker.OnConnect(func() {
		t.mu.Lock()
		t.connected = true
		t.reconnecting = false
		isFirst := firstConnect
		firstConnect = false
		t.mu.Unlock()

		select {
		case connectedCh <- struct{}{}:
		default:
		}

		// A reconnect restores the previous subscriptions; only the
		// first connect leaves subscribing to the caller.
		if !isFirst {
			t.resubscribe()
		}
	})

	t.ticker.OnClose(func(code int, reason string) {
		t.mu.Lock()
		t.connected = false
		shouldReconnect := !t.closing
		t.mu.Unlock()

		t.logger.Warn().Int("code", code).Str("reason", reason).Msg("Stream closed")
		if shouldReconnect {
			go t.reconnect(ctx)
		}
	})

	t.ticker.OnError(func(err error) {
		if handler := t.errorHandler(); handler != nil {
			go handler(err)
		}
	})

	t.ticker.OnTick(func(tick kitemodels.Tick) {
		t.mu.RLock()
		handler := t.onTick
		t.mu.RUnlock()
		if handler != nil {
			go handler(t.convertTick(tick))
		}
	})

	t.ticker.OnOrderUpdate(func(order kiteconnect.Order) {
		t.mu.RLock()
		handler := t.onOrderUpdate
		t.mu.RUnlock()
		if handler != nil {
			go handler(convertKiteOrderUpdate(order))
		}
	})

	t.ticker.OnReconnect(func(attempt int, delay time.Duration) {
		t.mu.Lock()
		t.reconnecting = true
		t.mu.Unlock()
	})

	t.mu.Unlock()

	go t.ticker.Serve()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-connectedCh:
		return nil
	case <-time.After(30 * time.Second):
		t.mu.RLock()
		connected := t.connected
		t.mu.RUnlock()
		if !connected {
			return fmt.Errorf("stream connection timeout")
		}
		return nil
	}
}

// Disconnect closes the connection without triggering reconnection.
func (t *KiteStreamer) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closing = true
	if t.ticker != nil {
		t.ticker.Close()
		t.connected = false
	}
	return nil
}

// Subscribe subscribes registered symbols in the given mode.
// Unregistered symbols are skipped.
func (t *KiteStreamer) Subscribe(symbols []string, mode TickMode) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return fmt.Errorf("stream not connected")
	}
	tokens := make([]uint32, 0, len(symbols))
	for _, symbol := range symbols {
		token, ok := t.symbolTokens[symbol]
		if !ok {
			continue
		}
		tokens = append(tokens, token)
		t.subscribed[token] = mode
	}
	t.mu.Unlock()

	if len(tokens) == 0 {
		return nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.ticker.Subscribe(tokens); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	kiteMode := kiteticker.ModeQuote
	if mode == TickModeFull {
		kiteMode = kiteticker.ModeFull
	}
	if err := t.ticker.SetMode(kiteMode, tokens); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	return nil
}

// Unsubscribe drops the given symbols from the stream.
func (t *KiteStreamer) Unsubscribe(symbols []string) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return fmt.Errorf("stream not connected")
	}
	tokens := make([]uint32, 0, len(symbols))
	for _, symbol := range symbols {
		if token, ok := t.symbolTokens[symbol]; ok {
			tokens = append(tokens, token)
			delete(t.subscribed, token)
		}
	}
	t.mu.Unlock()

	if len(tokens) == 0 {
		return nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.ticker.Unsubscribe(tokens); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// OnTick sets the tick handler.
func (t *KiteStreamer) OnTick(handler func(models.Tick)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTick = handler
}

// OnOrderUpdate sets the handler for live order state changes.
func (t *KiteStreamer) OnOrderUpdate(handler func(models.OrderStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOrderUpdate = handler
}

// OnError sets the error handler.
func (t *KiteStreamer) OnError(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = handler
}

// RegisterSymbol maps a symbol to its instrument token.
func (t *KiteStreamer) RegisterSymbol(symbol string, token uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.symbolTokens[symbol] = token
	t.tokenSymbols[token] = symbol
}

// RegisterSymbols maps multiple symbols to their tokens.
func (t *KiteStreamer) RegisterSymbols(symbolTokens map[string]uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for symbol, token := range symbolTokens {
		t.symbolTokens[symbol] = token
		t.tokenSymbols[token] = symbol
	}
}

// IsConnected reports whether the stream is up.
func (t *KiteStreamer) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *KiteStreamer) errorHandler() func(error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.onError
}

func (t *KiteStreamer) convertTick(tick kitemodels.Tick) models.Tick {
	t.mu.RLock()
	symbol := t.tokenSymbols[tick.InstrumentToken]
	t.mu.RUnlock()

	return models.Tick{
		Symbol:       symbol,
		Token:        tick.InstrumentToken,
		LTP:          tick.LastPrice,
		Open:         tick.OHLC.Open,
		High:         tick.OHLC.High,
		Low:          tick.OHLC.Low,
		Close:        tick.OHLC.Close,
		Volume:       int64(tick.VolumeTraded),
		BuyQuantity:  int64(tick.TotalBuyQuantity),
		SellQuantity: int64(tick.TotalSellQuantity),
		Timestamp:    tick.Timestamp.Time,
	}
}

func convertKiteOrderUpdate(o kiteconnect.Order) models.OrderStatus {
	return models.OrderStatus{
		OrderID:       o.OrderID,
		State:         mapKiteOrderState(o.Status),
		StatusMessage: o.StatusMessage,
		FilledQty:     int(o.FilledQuantity),
		PendingQty:    int(o.PendingQuantity),
		AveragePrice:  decimal.NewFromFloat(o.AveragePrice),
		Broker:        models.BrokerKite,
		UpdatedAt:     time.Now(),
	}
}

// reconnect retries the connection with exponential backoff.
func (t *KiteStreamer) reconnect(ctx context.Context) {
	t.mu.Lock()
	if t.reconnecting {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	t.mu.Unlock()

	for attempt := 0; attempt < t.maxRetries; attempt++ {
		delay := utils.CalculateBackoff(attempt, t.baseDelay, 30*time.Second, 2)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		t.mu.Lock()
		if t.connected || t.closing {
			t.reconnecting = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		t.logger.Info().Int("attempt", attempt+1).Msg("Reconnecting stream")
		if err := t.Connect(ctx); err == nil {
			return
		}
	}

	t.mu.Lock()
	t.reconnecting = false
	t.mu.Unlock()

	if handler := t.errorHandler(); handler != nil {
		handler(fmt.Errorf("max reconnection attempts reached"))
	}
}

// resubscribe restores the subscriptions that were live before the
// connection dropped.
func (t *KiteStreamer) resubscribe() {
	t.mu.RLock()
	subscribed := make(map[uint32]TickMode, len(t.subscribed))
	for token, mode := range t.subscribed {
		subscribed[token] = mode
	}
	t.mu.RUnlock()

	if len(subscribed) == 0 {
		return
	}

	quoteTokens := make([]uint32, 0)
	fullTokens := make([]uint32, 0)
	for token, mode := range subscribed {
		if mode == TickModeFull {
			fullTokens = append(fullTokens, token)
		} else {
			quoteTokens = append(quoteTokens, token)
		}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if len(quoteTokens) > 0 {
		t.ticker.Subscribe(quoteTokens)
		t.ticker.SetMode(kiteticker.ModeQuote, quoteTokens)
	}
	if len(fullTokens) > 0 {
		t.ticker.Subscribe(fullTokens)
		t.ticker.SetMode(kiteticker.ModeFull, fullTokens)
	}
}

var _ Streamer = (*KiteStreamer)(nil)
