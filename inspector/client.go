// Package inspector attaches to a V8 inspector websocket endpoint and feeds
// the scripts it reports into a sources.Container: Debugger.scriptParsed
// becomes AddSource, context teardown becomes RemoveSource, and script
// content is fetched on demand through Debugger.getScriptSource.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/debugger"
	"github.com/chromedp/cdproto/runtime"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/sirupsen/logrus"

	"github.com/dapkit/dapkit/sources"
)

const wsWriteBufferSize = 1 << 20

// ErrClientClosed is returned by Execute when the connection went away
// before a response arrived.
var ErrClientClosed = errors.New("inspector client is closed")

// Client is a websocket connection to one inspector target.
type Client struct {
	wsURL     string
	logger    logrus.FieldLogger
	container *sources.Container
	conn      *websocket.Conn

	sendCh    chan *cdproto.Message
	done      chan struct{}
	closeOnce sync.Once
	msgID     int64

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	scriptsMu sync.Mutex
	scripts   map[runtime.ScriptID]*sources.Source
	contexts  map[runtime.ExecutionContextID][]runtime.ScriptID
}

// NewClient dials wsURL and starts the read/write loops. The caller owns the
// container; the client only adds and removes sources on it.
func NewClient(
	ctx context.Context, wsURL string, container *sources.Container, logger logrus.FieldLogger, cfg Config,
) (*Client, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout.TimeoutOr(time.Minute),
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}
	conn, _, err := wsd.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing inspector at %s: %w", wsURL, err)
	}

	c := &Client{
		wsURL:     wsURL,
		logger:    logger,
		container: container,
		conn:      conn,
		sendCh:    make(chan *cdproto.Message, 32), // avoid blocking in Execute
		done:      make(chan struct{}),
		pending:   make(map[int64]chan *cdproto.Message),
		scripts:   make(map[runtime.ScriptID]*sources.Source),
		contexts:  make(map[runtime.ExecutionContextID][]runtime.ScriptID),
	}
	go c.recvLoop()
	go c.sendLoop()
	return c, nil
}

// Attach enables the Debugger and Runtime domains so the target starts
// reporting scripts.
func (c *Client) Attach(ctx context.Context) error {
	if err := c.Execute(ctx, cdproto.CommandDebuggerEnable, &debugger.EnableParams{}, nil); err != nil {
		return fmt.Errorf("enabling debugger domain: %w", err)
	}
	if err := c.Execute(ctx, cdproto.CommandRuntimeEnable, nil, nil); err != nil {
		return fmt.Errorf("enabling runtime domain: %w", err)
	}
	return nil
}

// Close cleanly shuts the websocket connection down and fails all pending
// calls.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(10*time.Second),
		)
		_ = c.conn.Close()
		close(c.done)

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	})
}

// Done is closed once the connection has gone away.
func (c *Client) Done() <-chan struct{} { return c.done }

// Execute performs a synchronous CDP call.
func (c *Client) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	id := atomic.AddInt64(&c.msgID, 1)
	ch := make(chan *cdproto.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}

	select {
	case c.sendCh <- msg:
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case reply := <-ch:
		switch {
		case reply == nil:
			return ErrClientClosed
		case reply.Error != nil:
			return reply.Error
		case res != nil:
			return easyjson.Unmarshal(reply.Result, res)
		}
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.WithError(err).Warn("Inspector connection closed unexpectedly")
			}
			c.Close()
			return
		}
		c.logger.WithField("data", string(buf)).Trace("cdp:recv")

		var msg cdproto.Message
		decoder := jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&decoder)
		if err := decoder.Error(); err != nil {
			c.logger.WithError(err).Error("Malformed CDP message")
			continue
		}

		switch {
		case msg.Method != "":
			c.handleEvent(&msg)
		case msg.ID != 0:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- &msg
			}
		default:
			c.logger.Errorf("ignoring malformed incoming message (missing id or method): %#v", msg)
		}
	}
}

func (c *Client) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			encoder := jwriter.Writer{}
			msg.MarshalEasyJSON(&encoder)
			if err := encoder.Error; err != nil {
				c.logger.WithError(err).Error("Could not encode CDP message")
				continue
			}
			buf, _ := encoder.BuildBytes()
			c.logger.WithField("data", string(buf)).Trace("cdp:send")
			if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) handleEvent(msg *cdproto.Message) {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		c.logger.WithError(err).WithField("method", msg.Method).Debug("Could not decode CDP event")
		return
	}
	switch ev := ev.(type) {
	case *debugger.EventScriptParsed:
		c.onScriptParsed(ev)
	case *runtime.EventExecutionContextDestroyed:
		c.removeContext(ev.ExecutionContextID)
	case *runtime.EventExecutionContextsCleared:
		c.removeAllContexts()
	}
}

func (c *Client) onScriptParsed(ev *debugger.EventScriptParsed) {
	scriptID := ev.ScriptID
	getContent := func(ctx context.Context) (string, error) {
		res := new(debugger.GetScriptSourceReturns)
		err := c.Execute(ctx, cdproto.CommandDebuggerGetScriptSource,
			&debugger.GetScriptSourceParams{ScriptID: scriptID}, res)
		if err != nil {
			return "", err
		}
		return res.ScriptSource, nil
	}

	var opts []sources.SourceOption
	if ev.SourceMapURL != "" {
		opts = append(opts, sources.WithSourceMapURL(resolveMapURL(ev.URL, ev.SourceMapURL)))
	}
	if ev.StartLine > 0 || ev.StartColumn > 0 {
		opts = append(opts, sources.WithInlineOffset(int(ev.StartLine), int(ev.StartColumn)))
	}

	// The runtime may report the same URL again, e.g. a re-injected script.
	// Registering it under its URL a second time is a container-level bug,
	// so later duplicates are registered as anonymous (VM) sources.
	scriptURL := ev.URL
	if scriptURL != "" && c.container.SourceByURL(scriptURL) != nil {
		c.logger.WithField("url", scriptURL).Debug("Duplicate script URL, registering as anonymous source")
		scriptURL = ""
	}
	src := c.container.AddSource(scriptURL, getContent, opts...)

	c.scriptsMu.Lock()
	c.scripts[scriptID] = src
	c.contexts[ev.ExecutionContextID] = append(c.contexts[ev.ExecutionContextID], scriptID)
	c.scriptsMu.Unlock()
}

func (c *Client) removeContext(id runtime.ExecutionContextID) {
	c.scriptsMu.Lock()
	scriptIDs := c.contexts[id]
	delete(c.contexts, id)
	removed := make([]*sources.Source, 0, len(scriptIDs))
	for _, scriptID := range scriptIDs {
		if src, ok := c.scripts[scriptID]; ok {
			removed = append(removed, src)
			delete(c.scripts, scriptID)
		}
	}
	c.scriptsMu.Unlock()

	for _, src := range removed {
		c.container.RemoveSource(src)
	}
}

func (c *Client) removeAllContexts() {
	c.scriptsMu.Lock()
	ids := make([]runtime.ExecutionContextID, 0, len(c.contexts))
	for id := range c.contexts {
		ids = append(ids, id)
	}
	c.scriptsMu.Unlock()
	for _, id := range ids {
		c.removeContext(id)
	}
}

// resolveMapURL makes a script's relative sourceMappingURL absolute against
// the script's own URL.
func resolveMapURL(scriptURL, mapURL string) string {
	if scriptURL == "" {
		return mapURL
	}
	base, err := url.Parse(scriptURL)
	if err != nil {
		return mapURL
	}
	ref, err := url.Parse(mapURL)
	if err != nil || ref.IsAbs() || ref.Scheme == "data" {
		return mapURL
	}
	return base.ResolveReference(ref).String()
}
