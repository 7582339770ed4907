// Package rpc multiplexes concurrent correlated calls over the child
// process's single stdio connection.
//
// A Conn owns a dedicated reader loop that decodes frames from the child's
// output stream and fans out: responses with matched identifiers resolve
// pending calls, everything else goes to the notification channel. Writes
// are serialized by a writer lock held only for the duration of one frame
// write, never across the wait for a response.
package rpc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"lspbridge/internal/errors"
	"lspbridge/internal/jsonrpc"
)

// methodCancelRequest is the best-effort cancellation notification sent when
// a caller's deadline expires while the remote computation is in flight.
const methodCancelRequest = "$/cancelRequest"

// notificationBuffer bounds the unsolicited-notification channel. The
// session's subscriber loop drains continuously; overflow is dropped with a
// warning rather than stalling the reader loop.
const notificationBuffer = 128

// Notification is an unsolicited server-to-bridge message.
type Notification struct {
	Method string
	Params json.RawMessage
}

type result struct {
	raw json.RawMessage
	err error
}

// Conn correlates JSON-RPC traffic with one child process generation.
// Identifiers are unique within the Conn's lifetime, and a Conn is never
// reused across process generations.
type Conn struct {
	writer     io.Writer
	generation uint64
	logger     *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan result
	failed  error

	notifications chan Notification
	closed        chan struct{}
}

// NewConn creates a connection over the child's stdio pair and starts the
// reader loop.
func NewConn(w io.Writer, r io.Reader, generation uint64, logger *slog.Logger) *Conn {
	c := &Conn{
		writer:        w,
		generation:    generation,
		logger:        logger,
		pending:       make(map[int64]chan result),
		notifications: make(chan Notification, notificationBuffer),
		closed:        make(chan struct{}),
	}
	go c.readLoop(jsonrpc.NewDecoder(r))
	return c
}

// Generation returns the process generation this connection belongs to.
func (c *Conn) Generation() uint64 {
	return c.generation
}

// Notifications returns the channel carrying unsolicited server
// notifications. It is closed when the connection dies.
func (c *Conn) Notifications() <-chan Notification {
	return c.notifications
}

// Done is closed once the connection has failed and every pending call has
// been resolved.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns the terminal error after Done is closed, nil before.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Call sends a framed request and suspends the caller until a response with
// the matching identifier arrives, the connection dies, or ctx expires --
// whichever comes first. The suspension happens here and only here; no lock
// is held across it.
func (c *Conn) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(jsonrpc.NewRequest(id, method, params)); err != nil {
		c.unregister(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.raw, res.err
	case <-ctx.Done():
		c.unregister(id)
		// The remote computation may still be running; tell the child to
		// abandon it, but never block the caller on that.
		_ = c.Notify(methodCancelRequest, map[string]interface{}{"id": id})
		return nil, errors.Newf(errors.Timeout, "call %s exceeded its deadline", method)
	}
}

// Notify sends a framed message with no identifier. It never suspends the
// caller beyond the frame write itself.
func (c *Conn) Notify(method string, params interface{}) error {
	c.mu.Lock()
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	return c.write(jsonrpc.NewNotification(method, params))
}

// write serializes frame emission. Interleaved bytes from concurrent
// callers would corrupt framing.
func (c *Conn) write(msg *jsonrpc.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return jsonrpc.Encode(c.writer, msg)
}

func (c *Conn) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Fail terminates the connection: every currently pending call resolves
// with err exactly once, the notification channel closes, and all later
// calls fail fast with the same error. Idempotent; only the first error
// sticks.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	if c.failed != nil {
		c.mu.Unlock()
		return
	}
	c.failed = err
	pending := c.pending
	c.pending = make(map[int64]chan result)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- result{err: err}
		c.logger.Debug("pending call failed with connection", "id", id, "generation", c.generation)
	}
	close(c.notifications)
	close(c.closed)
}

// readLoop is the dedicated reader: it decodes frames from the child's
// output stream until the stream ends or framing breaks.
func (c *Conn) readLoop(dec *jsonrpc.Decoder) {
	for {
		msg, err := dec.Decode()
		if err != nil {
			if err == io.EOF {
				c.Fail(errors.Newf(errors.BackendUnavailable,
					"analysis server closed its output stream (generation %d)", c.generation))
			} else {
				// Malformed framing is fatal to the session; no resync.
				c.Fail(err)
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg *jsonrpc.Message) {
	switch {
	case msg.IsResponse():
		c.resolve(msg)
	case msg.IsCall():
		// Server-initiated requests the bridge does not implement get an
		// empty success reply so the child process never stalls on us.
		c.logger.Debug("replying null to server request", "method", msg.Method, "id", *msg.ID)
		_ = c.write(jsonrpc.NewNullResponse(*msg.ID))
	case msg.IsNotification():
		select {
		case c.notifications <- Notification{Method: msg.Method, Params: rawParams(msg.Params)}:
		default:
			c.logger.Warn("notification channel full, dropping", "method", msg.Method)
		}
	}
}

func (c *Conn) resolve(msg *jsonrpc.Message) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		// Late response after deadline expiry, or traffic from a confused
		// server. Matching is by identifier only; unknown ids are dropped.
		c.logger.Debug("response for unknown id dropped", "id", *msg.ID, "generation", c.generation)
		return
	}

	if msg.Error != nil {
		ch <- result{err: errors.Remote(msg.Error.Code, msg.Error.Message)}
		return
	}
	ch <- result{raw: msg.Result}
}

// rawParams re-encodes decoded params so subscribers get json.RawMessage.
// Decoded messages carry params as interface{} from the codec.
func rawParams(params interface{}) json.RawMessage {
	if params == nil {
		return nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return data
}
