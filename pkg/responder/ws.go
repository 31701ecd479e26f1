package responder

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chiku-ai/chiku-voice/pkg/adapters/responder"
	"github.com/chiku-ai/chiku-voice/pkg/errorsx"
	"github.com/chiku-ai/chiku-voice/pkg/logging"
)

type WSConfig struct {
	// BaseURL is the ws(s) endpoint root; the chat channel lives at
	// {base}/ws/{user_id}.
	BaseURL        string
	UserID         string
	ConnectTimeout time.Duration
	ReplyTimeout   time.Duration
	PingInterval   time.Duration
}

// WSClient keeps one chat channel open to the assistant backend. The
// exchange is strictly request/response; pong frames and the greeting the
// server pushes on connect are discarded.
type WSClient struct {
	cfg    WSConfig
	logger *slog.Logger

	mu         sync.Mutex
	writeMu    sync.Mutex
	conn       *websocket.Conn
	cancelPing context.CancelFunc
}

type wsEnvelope struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func NewWS(cfg WSConfig) *WSClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	return &WSClient{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "responder_ws"),
	}
}

func (c *WSClient) Name() string { return "responder_ws" }

func (c *WSClient) Ask(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(ctx); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonQueryFailed)
	}

	if err := c.write(wsEnvelope{Type: "message", Text: text}); err != nil {
		c.dropConn()
		return "", errorsx.Wrap(err, errorsx.ReasonQueryFailed)
	}

	conn := c.conn
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReplyTimeout)); err != nil {
		c.dropConn()
		return "", errorsx.Wrap(err, errorsx.ReasonQueryFailed)
	}

	// The reply wait must stay interruptible: expiring the read deadline
	// on cancel unblocks the pending read without racing it.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()

	for {
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			c.dropConn()
			if ctx.Err() != nil {
				return "", errorsx.Wrap(errorsx.ErrCancelled, errorsx.ReasonCancelled)
			}
			return "", errorsx.Wrap(err, errorsx.ReasonQueryFailed)
		}
		switch env.Type {
		case "response":
			if strings.TrimSpace(env.Text) == "" {
				return "", errorsx.New(errorsx.ReasonQueryFailed, "responder returned an empty reply")
			}
			return env.Text, nil
		case "pong":
			// Keepalive noise, keep waiting.
		default:
			c.logger.Debug("ignoring unexpected chat message",
				slog.String("type", env.Type))
		}
	}
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConn()
	return nil
}

func (c *WSClient) ensureConn(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/ws/" + c.cfg.UserID
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.ConnectTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial chat channel: %w", err)
	}

	// The backend greets every connection with an unsolicited response
	// frame; it is not an answer to any query.
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout)); err != nil {
		_ = conn.Close()
		return err
	}
	var greeting wsEnvelope
	if err := conn.ReadJSON(&greeting); err != nil {
		_ = conn.Close()
		return fmt.Errorf("read greeting: %w", err)
	}
	c.logger.Debug("chat channel established",
		slog.String("user_id", c.cfg.UserID),
		slog.String("greeting_type", greeting.Type))

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	pingCtx, cancel := context.WithCancel(context.Background())
	c.cancelPing = cancel
	go c.pingLoop(pingCtx, conn)
	return nil
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(wsEnvelope{Type: "ping"}); err != nil {
				c.logger.Debug("keepalive ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (c *WSClient) write(env wsEnvelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(env)
}

func (c *WSClient) dropConn() {
	if c.cancelPing != nil {
		c.cancelPing()
		c.cancelPing = nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
		c.conn = nil
	}
}

var _ responder.Client = (*WSClient)(nil)
