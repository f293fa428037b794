package session

import (
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/paseodev/paseo/internal/common/logger"
)

// ErrSlowConsumer is the close reason when a connection's outbound
// queue overflows.
var ErrSlowConsumer = errors.New("slow consumer")

// Wire is a single client connection's framed message stream. Local
// WebSocket connections and relay data links both implement it.
type Wire interface {
	// ReadMessage blocks for the next inbound text frame.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one outbound text frame.
	WriteMessage(data []byte) error
	Close() error
}

// pendingRequest is an open request/response slot: the terminal status
// for the requestId goes back on this connection only.
type pendingRequest struct {
	agentID string
}

// Client is one connection's bookkeeping: subscriptions, pending
// request slots, and the bounded outbound queue.
type Client struct {
	id   string
	hub  *Hub
	wire Wire
	log  *logger.Logger

	send   chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	subs    map[string]string // subscriptionId -> agentId filter, "" = all agents
	pending map[string]pendingRequest
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// subscribed reports whether any subscription covers the agent.
func (c *Client) subscribed(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, filter := range c.subs {
		if filter == "" || filter == agentID {
			return true
		}
	}
	return false
}

func (c *Client) addSubscription(subID, agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[subID] = agentID
}

func (c *Client) removeSubscription(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, subID)
}

func (c *Client) trackPending(requestID, agentID string) {
	if requestID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[requestID] = pendingRequest{agentID: agentID}
}

// takePending closes the slot, reporting whether it was open.
func (c *Client) takePending(requestID string) (pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	return p, ok
}

// enqueue marshals and queues an outbound message. Overflow closes the
// connection; the client must reconnect and re-subscribe.
func (c *Client) enqueue(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("outbound marshal failed", zap.Error(err))
		return
	}
	c.enqueueRaw(data)
}

func (c *Client) enqueueRaw(data []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("closing connection", zap.Error(ErrSlowConsumer))
		c.close()
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.wire.Close()
		c.hub.unregister(c)
	})
}

// writeLoop drains the outbound queue onto the wire in FIFO order.
func (c *Client) writeLoop() {
	for {
		select {
		case data := <-c.send:
			if err := c.wire.WriteMessage(data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readLoop feeds inbound frames to the hub until the wire drops.
func (c *Client) readLoop() {
	defer c.close()
	for {
		data, err := c.wire.ReadMessage()
		if err != nil {
			return
		}
		c.hub.dispatch(c, data)
	}
}
