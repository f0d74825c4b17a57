// Package nodeclient is a reference implementation of a worker node: it
// dials the master's node channel, sends node.hello, and reports job
// status/log lines back over the same connection. It exists so the
// protocol has a runnable peer for manual testing and for cmd/node; a real
// deployment can replace it with any client that speaks the same frames.
package nodeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nodegrid/master/internal/hostmetrics"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Config holds everything needed to connect a node to the master.
type Config struct {
	MasterURL    string // e.g. "ws://localhost:7000/ws"
	DisplayName  string
	Tags         []string
	StaticCapabilities map[string]string
}

// JobHandler processes an assigned job. Implementations should report
// status via the Client passed to them (Client.ReportStatus/SendLog) as
// work proceeds, and must return once the job reaches a terminal state.
type JobHandler func(ctx context.Context, c *Client, assign JobAssignment)

// JobAssignment mirrors the job.assign frame's payload.
type JobAssignment struct {
	JobID         string            `json:"job_id"`
	Prompt        string            `json:"prompt"`
	Repositories  []repository      `json:"repositories"`
	Workdir       string            `json:"workdir"`
	Metadata      map[string]string `json:"metadata"`
	RequestedTags []string          `json:"requested_tags"`
	TargetNodeID  string            `json:"target_node_id,omitempty"`
}

type repository struct {
	URL     string `json:"url"`
	Branch  string `json:"branch,omitempty"`
	Subpath string `json:"subpath,omitempty"`
}

// Client maintains the persistent connection to the master and dispatches
// incoming job.assign frames to a JobHandler.
type Client struct {
	cfg     Config
	handler JobHandler
	logger  *zap.Logger

	conn *websocket.Conn
}

// New creates a Client. Call Run to start the reconnect loop.
func New(cfg Config, handler JobHandler, logger *zap.Logger) *Client {
	return &Client{cfg: cfg, handler: handler, logger: logger.Named("nodeclient")}
}

// Run dials the master, sends node.hello, and processes frames until ctx is
// cancelled. On any connection error it reconnects with exponential
// backoff and jitter, mirroring how a worker process should behave across
// network blips without thundering-herd reconnects.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			c.logger.Info("node client stopped")
			return
		}

		c.logger.Info("connecting to master", zap.String("url", c.cfg.MasterURL))
		if err := c.connect(ctx); err != nil {
			c.logger.Warn("connection failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
	}
}

func (c *Client) connect(ctx context.Context) error {
	u, err := url.Parse(c.cfg.MasterURL)
	if err != nil {
		return fmt.Errorf("invalid master url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()
	c.conn = conn

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := c.sendHello(); err != nil {
		return fmt.Errorf("node.hello failed: %w", err)
	}

	errCh := make(chan error, 2)
	done := make(chan struct{})
	go func() { errCh <- c.pingLoop(ctx, done) }()
	go func() { errCh <- c.readLoop(ctx) }()

	err = <-errCh
	close(done)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) sendHello() error {
	caps := hostmetrics.Collect()
	for k, v := range c.cfg.StaticCapabilities {
		caps[k] = v
	}

	payload, err := json.Marshal(struct {
		Type         string            `json:"type"`
		DisplayName  string            `json:"display_name"`
		Tags         []string          `json:"tags"`
		Capabilities map[string]string `json:"capabilities"`
	}{
		Type:         "node.hello",
		DisplayName:  c.cfg.DisplayName,
		Tags:         c.cfg.Tags,
		Capabilities: caps,
	})
	if err != nil {
		return err
	}
	return c.writeText(payload)
}

// ReportStatus sends a job.status frame. status must be one of the
// lifecycle values the master's job state machine accepts (RUNNING,
// SUCCEEDED, FAILED, CANCELLED; the master matches them case-sensitively).
func (c *Client) ReportStatus(jobID, status string, logPath, resultSummary, errMessage *string) error {
	payload, err := json.Marshal(struct {
		Type          string  `json:"type"`
		JobID         string  `json:"job_id"`
		Status        string  `json:"status"`
		LogPath       *string `json:"log_path,omitempty"`
		ResultSummary *string `json:"result_summary,omitempty"`
		ErrorMessage  *string `json:"error_message,omitempty"`
	}{
		Type:          "job.status",
		JobID:         jobID,
		Status:        status,
		LogPath:       logPath,
		ResultSummary: resultSummary,
		ErrorMessage:  errMessage,
	})
	if err != nil {
		return err
	}
	return c.writeText(payload)
}

// SendLog sends a single job.log line.
func (c *Client) SendLog(jobID, level, message string) error {
	payload, err := json.Marshal(struct {
		Type    string `json:"type"`
		JobID   string `json:"job_id"`
		Level   string `json:"level"`
		Message string `json:"message"`
	}{
		Type:    "job.log",
		JobID:   jobID,
		Level:   level,
		Message: message,
	})
	if err != nil {
		return err
	}
	return c.writeText(payload)
}

func (c *Client) writeText(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) pingLoop(ctx context.Context, done <-chan struct{}) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("malformed frame from master", zap.Error(err))
			continue
		}

		switch env.Type {
		case "welcome":
			c.logger.Info("welcomed by master")
		case "job.assign":
			var assign JobAssignment
			if err := json.Unmarshal(raw, &assign); err != nil {
				c.logger.Error("malformed job.assign", zap.Error(err))
				continue
			}
			if c.handler != nil {
				go c.handler(ctx, c, assign)
			}
		case "message":
			c.logger.Debug("relay message received")
		default:
			c.logger.Debug("unknown frame type", zap.String("type", env.Type))
		}
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
