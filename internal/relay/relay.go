// Package relay connects the daemon to a rendezvous server so remote
// clients can reach it without a direct route. The relay forwards opaque
// frames between a daemon data link and a client link sharing the same
// serverId and connectionId; after the cleartext hello everything on the
// link is sealed end to end.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paseodev/paseo/internal/common/logger"
	"github.com/paseodev/paseo/internal/crypto"
	"github.com/paseodev/paseo/internal/session"
)

const (
	protocolVersion = "2"

	dialTimeout    = 10 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// notification is a control-link frame from the relay.
type notification struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// helloMessage is the one cleartext frame on a data link: the client's
// X25519 public key.
type helloMessage struct {
	Type string `json:"type"`
	Key  string `json:"key"` // base64
}

// Options configures the relay client.
type Options struct {
	// URL is the relay websocket endpoint, e.g. wss://relay.example/ws.
	URL string
	// ServerID is the stable identifier clients rendezvous on.
	ServerID string
	KeyPair  *crypto.KeyPair
	Hub      *session.Hub
	Log      *logger.Logger
}

// Client maintains the control link and one data link per announced
// remote connection.
type Client struct {
	url      string
	serverID string
	keyPair  *crypto.KeyPair
	hub      *session.Hub
	log      *logger.Logger
	dialer   *websocket.Dialer
}

func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("relay url is required")
	}
	if opts.ServerID == "" {
		return nil, fmt.Errorf("relay serverId is required")
	}
	if opts.KeyPair == nil {
		return nil, fmt.Errorf("relay key pair is required")
	}
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	return &Client{
		url:      opts.URL,
		serverID: opts.ServerID,
		keyPair:  opts.KeyPair,
		hub:      opts.Hub,
		log:      opts.Log.WithFields(zap.String("component", "relay")),
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}, nil
}

// PublicKey returns the daemon public key clients need for the
// handshake. It goes into the QR bootstrap payload.
func (c *Client) PublicKey() string {
	return c.keyPair.PublicKeyBase64()
}

// Run keeps the control link alive until the context ends, redialing
// with capped backoff after failures.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		err := c.runControl(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("control link lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// runControl holds one control connection: it announces this daemon
// under its serverId and spawns a data link for every connected client.
func (c *Client) runControl(ctx context.Context) error {
	conn, err := c.dial(ctx, "")
	if err != nil {
		return fmt.Errorf("dial control: %w", err)
	}
	c.log.Info("control link established", zap.String("server_id", c.serverID))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("control read: %w", err)
			}
			var n notification
			if err := json.Unmarshal(data, &n); err != nil {
				c.log.Warn("malformed control frame", zap.Error(err))
				continue
			}
			switch n.Type {
			case "connected":
				if n.ConnectionID == "" {
					continue
				}
				connID := n.ConnectionID
				g.Go(func() error {
					c.serveData(ctx, connID)
					return nil
				})
			case "disconnected":
				// The data link notices on its own read error.
			default:
				c.log.Debug("ignoring control frame", zap.String("type", n.Type))
			}
		}
	})
	return g.Wait()
}

// serveData runs one remote connection: hello handshake, then the
// sealed link is handed to the hub like any local client. Errors drop
// only this link.
func (c *Client) serveData(ctx context.Context, connectionID string) {
	log := c.log.WithConnectionID(connectionID)

	conn, err := c.dial(ctx, connectionID)
	if err != nil {
		log.Warn("dial data link failed", zap.Error(err))
		return
	}

	box, err := c.handshake(conn)
	if err != nil {
		log.Warn("relay handshake failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	log.Info("relay client connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	c.hub.Serve(newSecureWire(conn, box))
}

// handshake consumes the cleartext hello and derives the session box.
func (c *Client) handshake(conn *websocket.Conn) (*crypto.SecureBox, error) {
	_ = conn.SetReadDeadline(time.Now().Add(dialTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var hello helloMessage
	if err := json.Unmarshal(data, &hello); err != nil {
		return nil, fmt.Errorf("malformed hello: %w", err)
	}
	if hello.Type != "hello" || hello.Key == "" {
		return nil, fmt.Errorf("unexpected first frame %q", hello.Type)
	}

	peerPub, err := crypto.ParsePublicKey(hello.Key)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveSharedKey(c.keyPair.Private, peerPub)
	if err != nil {
		return nil, err
	}
	return crypto.NewSecureBox(key)
}

func (c *Client) dial(ctx context.Context, connectionID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("role", "server")
	q.Set("serverId", c.serverID)
	q.Set("v", protocolVersion)
	if connectionID != "" {
		q.Set("connectionId", connectionID)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}
