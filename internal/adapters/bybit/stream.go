package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"alphaTradeSync/internal/ports"
)

const (
	wsURLMainnet = "wss://stream.bybit.com/v5/private"
	wsURLTestnet = "wss://stream-testnet.bybit.com/v5/private"
	wsURLDemo    = "wss://stream-demo.bybit.com/v5/private"

	wsPingInterval = 20 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsAuthWindow   = 10 * time.Second
)

// Stream implements ports.ExchangeStream over the Bybit v5 private websocket.
type Stream struct {
	wsURL                string
	apiKey               string
	apiSecret            string
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int
}

// StreamConfig holds configuration specific to the Bybit stream adapter.
type StreamConfig struct {
	APIKey    string
	APISecret string
	Demo      bool
	Testnet   bool
	Logger    ports.Logger
	// ReconnectDelay is the initial delay between reconnect attempts; it
	// grows exponentially up to a minute.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts caps consecutive failed connection attempts
	// before Start gives up. A successful connection resets the count.
	MaxReconnectAttempts int
}

// NewStream creates a Bybit private stream adapter.
func NewStream(cfg StreamConfig) (*Stream, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Bybit stream: %w", ports.ErrConfigurationError)
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("API key and secret are required: %w", ports.ErrInvalidAPIKeys)
	}
	wsURL := wsURLMainnet
	switch {
	case cfg.Demo:
		wsURL = wsURLDemo
	case cfg.Testnet:
		wsURL = wsURLTestnet
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	return &Stream{
		wsURL:                wsURL,
		apiKey:               cfg.APIKey,
		apiSecret:            cfg.APISecret,
		logger:               cfg.Logger,
		reconnectDelay:       cfg.ReconnectDelay,
		maxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, nil
}

type wsRequest struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

type wsMessage struct {
	Topic   string          `json:"topic"`
	Op      string          `json:"op"`
	Success bool            `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Data    json.RawMessage `json:"data"`
}

// Start connects, authenticates and consumes the private stream until ctx is
// cancelled, reconnecting with exponential backoff. It returns a non-context
// error only after the reconnect budget is exhausted.
func (s *Stream) Start(ctx context.Context, handler ports.StreamHandler) error {
	b := &backoff.Backoff{
		Min:    s.reconnectDelay,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		connected, err := s.runOnce(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// The budget counts consecutive failures to reach the stream,
			// not lifetime disconnects.
			attempts = 0
			b.Reset()
		} else {
			attempts++
			if attempts >= s.maxReconnectAttempts {
				return fmt.Errorf("stream gave up after %d attempts: %v: %w",
					attempts, err, ports.ErrConnectionFailed)
			}
		}
		delay := b.Duration()
		s.logger.Warn(ctx, "Stream disconnected, reconnecting", map[string]interface{}{
			"attempt": attempts, "delay": delay.String(), "error": fmt.Sprint(err),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce performs one full connect / auth / subscribe / consume cycle. The
// bool reports whether the subscribed state was reached before the error.
func (s *Stream) runOnce(ctx context.Context, handler ports.StreamHandler) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing %s: %v: %w", s.wsURL, err, ports.ErrConnectionFailed)
	}
	defer conn.Close()

	if err := s.authenticate(conn); err != nil {
		return false, err
	}
	if err := s.subscribe(conn); err != nil {
		return false, err
	}
	s.logger.Info(ctx, "Private stream connected", map[string]interface{}{"url": s.wsURL})

	// Writer goroutine owns all writes after setup; gorilla connections
	// allow one concurrent writer.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	pingErr := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ping := wsRequest{ReqID: uuid.NewString(), Op: "ping"}
				if err := conn.WriteJSON(ping); err != nil {
					pingErr <- fmt.Errorf("ping: %v: %w", err, ports.ErrConnectionFailed)
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	// Cancelled contexts unblock ReadMessage by closing the connection.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		select {
		case err := <-pingErr:
			return true, err
		default:
		}
		if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			return true, fmt.Errorf("setting read deadline: %w", ports.ErrConnectionFailed)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("reading stream: %v: %w", err, ports.ErrConnectionFailed)
		}
		s.dispatch(ctx, handler, raw)
	}
}

// authenticate performs the private-channel handshake. The signature covers
// "GET/realtime" plus the millisecond expiry.
func (s *Stream) authenticate(conn *websocket.Conn) error {
	expires := time.Now().Add(wsAuthWindow).UnixMilli()
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	fmt.Fprintf(mac, "GET/realtime%d", expires)
	signature := hex.EncodeToString(mac.Sum(nil))

	req := wsRequest{
		ReqID: uuid.NewString(),
		Op:    "auth",
		Args:  []string{s.apiKey, fmt.Sprintf("%d", expires), signature},
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("sending auth: %v: %w", err, ports.ErrConnectionFailed)
	}
	var resp wsMessage
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("reading auth response: %v: %w", err, ports.ErrConnectionFailed)
	}
	if !resp.Success {
		return fmt.Errorf("auth rejected: %s: %w", resp.RetMsg, ports.ErrAuthenticationFailed)
	}
	return nil
}

func (s *Stream) subscribe(conn *websocket.Conn) error {
	req := wsRequest{
		ReqID: uuid.NewString(),
		Op:    "subscribe",
		Args:  []string{"execution", "order", "position"},
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("sending subscribe: %v: %w", err, ports.ErrConnectionFailed)
	}
	var resp wsMessage
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("reading subscribe response: %v: %w", err, ports.ErrConnectionFailed)
	}
	if !resp.Success {
		return fmt.Errorf("subscribe rejected: %s: %w", resp.RetMsg, ports.ErrConnectionFailed)
	}
	return nil
}

// dispatch routes one raw frame to the handler. Handler errors are logged
// but never kill the connection; the handler owns its own retry policy.
func (s *Stream) dispatch(ctx context.Context, handler ports.StreamHandler, raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn(ctx, "Dropping undecodable stream frame", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if msg.Topic == "" {
		return // pong or op acknowledgement
	}

	switch msg.Topic {
	case "execution":
		var items []wireExecution
		if err := json.Unmarshal(msg.Data, &items); err != nil {
			s.logger.Warn(ctx, "Dropping undecodable execution frame", map[string]interface{}{"error": err.Error()})
			return
		}
		for _, w := range items {
			rec, err := translateExecution(w)
			if err != nil {
				s.logger.Warn(ctx, "Skipping malformed execution event", map[string]interface{}{
					"symbol": w.Symbol, "error": err.Error(),
				})
				continue
			}
			ev := ports.ExecutionEvent{
				Symbol:      rec.Symbol,
				Side:        rec.Side,
				OrderID:     rec.OrderID,
				ExecID:      rec.ExecID,
				OrderLinkID: rec.OrderLinkID,
				ExecPrice:   rec.ExecPrice,
				ExecQty:     rec.ExecQty,
				ExecFee:     rec.ExecFee,
				ExecTime:    rec.ExecTime,
			}
			if err := handler.HandleExecution(ctx, ev); err != nil {
				s.logger.Error(ctx, err, "Execution handler failed", map[string]interface{}{
					"symbol": ev.Symbol, "execID": ev.ExecID,
				})
			}
		}
	case "order":
		var items []wireOrder
		if err := json.Unmarshal(msg.Data, &items); err != nil {
			s.logger.Warn(ctx, "Dropping undecodable order frame", map[string]interface{}{"error": err.Error()})
			return
		}
		for _, w := range items {
			ev := ports.OrderEvent{
				Symbol:      w.Symbol,
				Side:        parseSide(w.Side),
				OrderID:     w.OrderID,
				OrderLinkID: w.OrderLinkID,
				OrderType:   w.OrderType,
				OrderStatus: w.OrderStatus,
				Qty:         parseFloat(w.Qty),
				Price:       parseFloat(w.Price),
				UpdatedAt:   parseMillis(w.UpdatedTime),
			}
			if err := handler.HandleOrder(ctx, ev); err != nil {
				s.logger.Error(ctx, err, "Order handler failed", map[string]interface{}{
					"orderID": ev.OrderID,
				})
			}
		}
	case "position":
		var items []wirePosition
		if err := json.Unmarshal(msg.Data, &items); err != nil {
			s.logger.Warn(ctx, "Dropping undecodable position frame", map[string]interface{}{"error": err.Error()})
			return
		}
		for _, w := range items {
			p := translatePosition(w)
			ev := ports.PositionEvent{
				Symbol:        p.Symbol,
				Side:          p.Side,
				Size:          p.Size,
				AvgPrice:      p.AvgPrice,
				UnrealizedPnL: p.UnrealizedPnL,
			}
			if err := handler.HandlePosition(ctx, ev); err != nil {
				s.logger.Error(ctx, err, "Position handler failed", map[string]interface{}{
					"symbol": ev.Symbol,
				})
			}
		}
	default:
		s.logger.Debug(ctx, "Ignoring stream frame for unhandled topic", map[string]interface{}{
			"topic": msg.Topic,
		})
	}
}
