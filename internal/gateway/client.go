// Package gateway holds the RPC client for the agent gateway and the
// idempotent dispatch layer on top of it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

// Transport-level failures, distinct from application-level statuses carried
// in response payloads.
var (
	ErrTransportTimeout = errors.New("gateway: transport timeout")
	ErrDisconnected     = errors.New("gateway: disconnected")
	ErrNotConnected     = errors.New("gateway: not connected")
)

// RPCError is an application-level error the gateway returned for a call.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %s (%s)", e.Message, e.Code)
	}
	return "gateway: " + e.Message
}

// Client is a WebSocket RPC client for the agent gateway. It correlates
// request/response frames by id and pushes decoded gateway events to the
// registered handler.
type Client struct {
	url   string
	token string

	onEvent      func(*protocol.GatewayEvent)
	onDisconnect func(error)

	writeMu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *protocol.ResponseFrame
	closed  bool
}

// NewClient builds a client for the given endpoint. onEvent and onDisconnect
// may be nil; onDisconnect fires once per established connection that drops.
func NewClient(url, token string, onEvent func(*protocol.GatewayEvent), onDisconnect func(error)) *Client {
	return &Client{
		url:          url,
		token:        token,
		onEvent:      onEvent,
		onDisconnect: onDisconnect,
		pending:      make(map[string]chan *protocol.ResponseFrame),
	}
}

// Connect dials the gateway, authenticates via the connect RPC, and starts
// the read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(conn)

	params := map[string]any{"version": protocol.ProtocolVersion}
	if c.token != "" {
		params["token"] = c.token
	}
	if _, err := c.Call(ctx, protocol.MethodConnect, params); err != nil {
		c.Close()
		return fmt.Errorf("connect handshake: %w", err)
	}
	return nil
}

// Call issues one RPC and blocks for its response or the context deadline.
// A context expiry is surfaced as ErrTransportTimeout; a gateway-reported
// failure as *RPCError; a dropped connection as ErrDisconnected.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req, err := protocol.NewRequest(uuid.NewString(), method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.ResponseFrame, 1)
	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.unregister(req.ID)
		return nil, fmt.Errorf("%w: write %s: %v", ErrDisconnected, method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		if !resp.OK {
			if resp.Error != nil {
				return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
			}
			return nil, &RPCError{Message: method + " failed"}
		}
		return resp.Payload, nil
	case <-ctx.Done():
		c.unregister(req.ID)
		return nil, fmt.Errorf("%w: %s: %v", ErrTransportTimeout, method, ctx.Err())
	}
}

func (c *Client) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close tears down the connection. Pending calls fail with ErrDisconnected.
func (c *Client) Close() {
	c.fail(nil)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			slog.Warn("gateway: unreadable frame", "error", err)
			continue
		}

		switch frameType {
		case protocol.FrameTypeResponse:
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(raw, &resp); err != nil {
				slog.Warn("gateway: bad response frame", "error", err)
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			if ok {
				delete(c.pending, resp.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &resp
			}
		case protocol.FrameTypeEvent:
			var frame protocol.EventFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				slog.Warn("gateway: bad event frame", "error", err)
				continue
			}
			ev, err := protocol.DecodeGatewayEvent(&frame)
			if err != nil {
				slog.Debug("gateway: dropping event", "event", frame.Event, "error", err)
				continue
			}
			if c.onEvent != nil {
				c.onEvent(ev)
			}
		}
	}
}

// fail closes the connection once, drops every pending call, and notifies
// the disconnect handler.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan *protocol.ResponseFrame)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, ch := range pending {
		close(ch)
	}
	if cause != nil {
		slog.Warn("gateway: connection lost", "error", cause)
	}
	if c.onDisconnect != nil {
		c.onDisconnect(cause)
	}
}
