// Package feed connects venue quote streams to the detector. WSStream reads
// a JSON depth stream over a websocket; Runner keeps a stream connected and
// reports feed coverage.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

const (
	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 30 * time.Second
	handshakeTimeout = 15 * time.Second
)

// WSConfig configures one venue's websocket stream.
type WSConfig struct {
	Venue string
	URL   string
	Pairs []string
	// PongWait is how long the connection may stay silent. Pings go out at
	// nine tenths of it.
	PongWait  time.Duration
	WriteWait time.Duration
	// Now stamps snapshots that arrive without a timestamp.
	Now func() time.Time
}

// subscribeMsg is sent once per connection.
type subscribeMsg struct {
	Op    string   `json:"op"`
	Pairs []string `json:"pairs"`
}

// wireSnapshot is one depth message. Prices and sizes may be JSON numbers
// or strings; ts is unix milliseconds.
type wireSnapshot struct {
	Type  string               `json:"type"`
	Venue string               `json:"venue"`
	Pair  string               `json:"pair"`
	Bids  [][2]decimal.Decimal `json:"bids"`
	Asks  [][2]decimal.Decimal `json:"asks"`
	TS    int64                `json:"ts"`
}

// WSStream implements domain.QuoteStream over gorilla/websocket.
type WSStream struct {
	cfg    WSConfig
	logger *slog.Logger
}

var _ domain.QuoteStream = (*WSStream)(nil)

// NewWSStream creates a stream for cfg.Venue.
func NewWSStream(cfg WSConfig, logger *slog.Logger) *WSStream {
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSStream{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "ws_stream"), slog.String("venue", cfg.Venue)),
	}
}

// Venue implements domain.QuoteStream.
func (s *WSStream) Venue() string { return s.cfg.Venue }

// Stream dials, subscribes and forwards snapshots to out until the
// connection drops or ctx ends. A dropped connection returns an error
// wrapping domain.ErrWSDisconnect.
func (s *WSStream) Stream(ctx context.Context, out chan<- domain.QuoteSnapshot) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed: %s: dial: %w", s.cfg.Venue, errors.Join(err, domain.ErrWSDisconnect))
	}
	defer conn.Close()

	if err := s.subscribe(conn); err != nil {
		return err
	}
	s.logger.Info("subscribed", slog.Int("pairs", len(s.cfg.Pairs)))

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go s.keepAlive(ctx, conn, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: %s: read: %w", s.cfg.Venue, errors.Join(err, domain.ErrWSDisconnect))
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		snap, ok, err := s.decode(raw)
		if err != nil {
			s.logger.Debug("message skipped", slog.String("error", err.Error()), slog.Int("len", len(raw)))
			continue
		}
		if !ok {
			continue
		}
		select {
		case out <- snap:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *WSStream) subscribe(conn *websocket.Conn) error {
	if len(s.cfg.Pairs) == 0 {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	if err := conn.WriteJSON(subscribeMsg{Op: "subscribe", Pairs: s.cfg.Pairs}); err != nil {
		return fmt.Errorf("feed: %s: subscribe: %w", s.cfg.Venue, errors.Join(err, domain.ErrWSDisconnect))
	}
	return nil
}

// keepAlive pings until done and closes the connection when ctx ends so
// the blocked read returns.
func (s *WSStream) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteWait))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}

// decode turns one message into a snapshot. Control messages (any type
// other than empty, "book" or "snapshot") report ok=false.
func (s *WSStream) decode(raw []byte) (domain.QuoteSnapshot, bool, error) {
	var msg wireSnapshot
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.QuoteSnapshot{}, false, err
	}
	switch strings.ToLower(msg.Type) {
	case "", "book", "snapshot":
	default:
		return domain.QuoteSnapshot{}, false, nil
	}
	if msg.Pair == "" {
		return domain.QuoteSnapshot{}, false, errors.New("missing pair")
	}
	if msg.Venue != "" && msg.Venue != s.cfg.Venue {
		return domain.QuoteSnapshot{}, false, fmt.Errorf("venue %q on %s stream", msg.Venue, s.cfg.Venue)
	}
	ts := s.cfg.Now()
	if msg.TS > 0 {
		ts = time.UnixMilli(msg.TS).UTC()
	}
	return domain.NewQuoteSnapshot(s.cfg.Venue, msg.Pair, levels(msg.Bids), levels(msg.Asks), ts), true, nil
}

func levels(in [][2]decimal.Decimal) []domain.PriceLevel {
	out := make([]domain.PriceLevel, len(in))
	for i, l := range in {
		out[i] = domain.PriceLevel{Price: l[0], Size: l[1]}
	}
	return out
}
