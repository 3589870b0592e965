package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/slices"
)

type SocketState int

const (
	SocketStateConnecting SocketState = iota
	SocketStateOpen
	SocketStateClosed
	SocketStateError
	SocketStateUnauthorized
)

func (self SocketState) String() string {
	switch self {
	case SocketStateConnecting:
		return "connecting"
	case SocketStateOpen:
		return "open"
	case SocketStateClosed:
		return "closed"
	case SocketStateError:
		return "error"
	case SocketStateUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

type StateFunction func(state SocketState)

// returns true when the message was handled. a false return offers the
// message to the next handler in registration order.
type PushHandlerFunction func(message *Message) bool

// inspects an inbound message for one pending request.
// ok reports whether the message belongs to the request.
// a non-nil err claims the message and rejects the request.
type ResponseMatcher[R any] func(message *Message) (R, bool, error)

type SocketSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	PingTimeout        time.Duration
	RequestTimeout     time.Duration
	AuthCheckTimeout   time.Duration
	SendBufferSize     int
	// delay before reconnect attempt i. past the end, no further attempts.
	ReconnectDelays []time.Duration
}

func DefaultSocketSettings() *SocketSettings {
	return &SocketSettings{
		WsHandshakeTimeout: 5 * time.Second,
		WriteTimeout:       5 * time.Second,
		PingTimeout:        30 * time.Second,
		RequestTimeout:     30 * time.Second,
		AuthCheckTimeout:   5 * time.Second,
		SendBufferSize:     8,
		ReconnectDelays: []time.Duration{
			0,
			5 * time.Second,
			10 * time.Second,
			15 * time.Second,
		},
	}
}

type pendingRequest struct {
	requestId uint64
	// returns true when the message is claimed.
	// the claim resolves or rejects the waiting caller.
	handle func(message *Message) bool
}

// Socket owns the duplex connection, its lifecycle, and request correlation.
// It has no knowledge of entity semantics.
type Socket struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	checkUrl string
	auth     *ClientAuth

	settings *SocketSettings

	sessionId Id

	stateLock sync.Mutex
	state     SocketState
	attempts  int
	running   bool
	send      chan []byte
	pending   []*pendingRequest

	stateCallbacks *CallbackList[StateFunction]
	pushHandlers   *CallbackList[PushHandlerFunction]
}

func NewSocketWithDefaults(ctx context.Context, url string, checkUrl string, auth *ClientAuth) *Socket {
	return NewSocket(ctx, url, checkUrl, auth, DefaultSocketSettings())
}

func NewSocket(ctx context.Context, url string, checkUrl string, auth *ClientAuth, settings *SocketSettings) *Socket {
	cancelCtx, cancel := context.WithCancel(ctx)
	socket := &Socket{
		ctx:            cancelCtx,
		cancel:         cancel,
		url:            url,
		checkUrl:       checkUrl,
		auth:           auth,
		settings:       settings,
		sessionId:      NewId(),
		state:          SocketStateConnecting,
		running:        true,
		stateCallbacks: NewCallbackList[StateFunction](),
		pushHandlers:   NewCallbackList[PushHandlerFunction](),
	}
	go socket.run()
	return socket
}

func (self *Socket) State() SocketState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// each callback receives every resolved state value, in order,
// synchronously with the transition
func (self *Socket) AddStateCallback(callback StateFunction) func() {
	callbackId := self.stateCallbacks.Add(callback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// handlers are offered messages that no pending request claimed,
// in registration order. the first handler that returns true stops the search.
func (self *Socket) AddPushHandler(handler PushHandlerFunction) func() {
	callbackId := self.pushHandlers.Add(handler)
	return func() {
		self.pushHandlers.Remove(callbackId)
	}
}

// delay before the next scheduled attempt, or nil when attempts are exhausted
// or the session is unauthorized
func (self *Socket) nextDelayLocked() *time.Duration {
	if self.state == SocketStateUnauthorized {
		// unauthorized is always fatal
		return nil
	}
	if self.attempts < len(self.settings.ReconnectDelays) {
		delay := self.settings.ReconnectDelays[self.attempts]
		return &delay
	}
	return nil
}

func (self *Socket) setState(state SocketState) {
	self.stateLock.Lock()
	if state == SocketStateOpen {
		self.attempts = 0
		self.state = SocketStateOpen
	} else if self.state == SocketStateUnauthorized {
		// only a fresh open clears unauthorized
		self.stateLock.Unlock()
		return
	} else if state != SocketStateUnauthorized && self.nextDelayLocked() != nil {
		// while attempts remain, observers see a single retrying state
		// rather than a closed/error flicker
		self.state = SocketStateConnecting
	} else {
		self.state = state
	}
	resolved := self.state
	self.stateLock.Unlock()

	glog.V(1).Infof("[sk]%s state %s\n", self.sessionId, resolved)
	for _, callback := range self.stateCallbacks.Get() {
		callback(resolved)
	}
}

func (self *Socket) run() {
	defer func() {
		self.stateLock.Lock()
		self.running = false
		self.stateLock.Unlock()
	}()

	for {
		self.setState(SocketStateConnecting)

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		var header http.Header
		if self.auth != nil {
			header = self.auth.Header()
		}
		ws, _, err := dialer.DialContext(self.ctx, self.url, header)
		if err == nil {
			self.setState(SocketStateOpen)
			err = self.runConn(ws)
		}

		select {
		case <-self.ctx.Done():
			return
		default:
		}

		if err != nil {
			glog.Infof("[sk]%s connection error = %s\n", self.sessionId, err)
			self.connectionFailure()
		} else {
			self.setState(SocketStateClosed)
		}

		self.stateLock.Lock()
		delay := self.nextDelayLocked()
		if delay == nil {
			self.stateLock.Unlock()
			return
		}
		self.attempts += 1
		self.stateLock.Unlock()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(*delay):
		}

		// the authorization probe may have settled during the delay
		self.stateLock.Lock()
		unauthorized := self.state == SocketStateUnauthorized
		self.stateLock.Unlock()
		if unauthorized {
			return
		}
	}
}

// probe once per failure lifetime. attempts resets on every successful open.
func (self *Socket) connectionFailure() {
	self.stateLock.Lock()
	firstFailure := self.attempts == 0
	self.stateLock.Unlock()

	if firstFailure {
		go self.checkAuthorized()
	}
	self.setState(SocketStateError)
}

func (self *Socket) runConn(ws *websocket.Conn) error {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)
	self.stateLock.Lock()
	self.send = send
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		self.send = nil
		self.stateLock.Unlock()
		// note `send` is not closed. a stale reference may still be
		// written to; those frames are dropped with the connection.
	}()

	go func() {
		// unblock the read when the session or write side ends
		<-handleCtx.Done()
		ws.Close()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[sks]%s-> error = %s\n", self.sessionId, err)
					return
				}
				glog.V(2).Infof("[sks]%s->\n", self.sessionId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-self.ctx.Done():
				// locally closed
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				glog.V(2).Infof("[skr]%s ping\n", self.sessionId)
				continue
			}
			message, err := DecodeMessage(data)
			if err != nil {
				glog.Infof("[skr]%s undecodable message = %s\n", self.sessionId, err)
				continue
			}
			glog.V(2).Infof("[skr]%s<-\n", self.sessionId)
			self.dispatch(message)
		default:
			glog.V(2).Infof("[skr]%s other=%d\n", self.sessionId, messageType)
		}
	}
}

// inbound messages are evaluated against pending requests in registration
// order. the first claim consumes the message. unclaimed messages are offered
// to push handlers; messages unclaimed by either path are dropped.
func (self *Socket) dispatch(message *Message) {
	if message.Unrecognized() {
		glog.Infof("[skr]%s unrecognized message %s\n", self.sessionId, message.ShapeSummary())
		return
	}

	self.stateLock.Lock()
	pending := slices.Clone(self.pending)
	self.stateLock.Unlock()

	for _, request := range pending {
		if request.handle(message) {
			self.removePending(request.requestId)
			return
		}
	}

	for _, handler := range self.pushHandlers.Get() {
		if handler(message) {
			return
		}
	}

	glog.V(1).Infof("[skr]%s unclaimed message %s\n", self.sessionId, message.ShapeSummary())
}

func (self *Socket) addPending(handle func(message *Message) bool) uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	requestId := newRequestId()
	for self.hasPendingLocked(requestId) {
		requestId = newRequestId()
	}
	self.pending = append(self.pending, &pendingRequest{
		requestId: requestId,
		handle:    handle,
	})
	return requestId
}

func (self *Socket) hasPendingLocked(requestId uint64) bool {
	return 0 <= slices.IndexFunc(self.pending, func(request *pendingRequest) bool {
		return request.requestId == requestId
	})
}

func (self *Socket) removePending(requestId uint64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.pending, func(request *pendingRequest) bool {
		return request.requestId == requestId
	})
	if i < 0 {
		return false
	}
	self.pending = slices.Delete(self.pending, i, i+1)
	return true
}

func (self *Socket) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pending)
}

// sendFrame hands the frame to the current connection's write pump.
// while disconnected the frame is dropped; the caller's request stays
// pending until its own timeout.
func (self *Socket) sendFrame(frame []byte) {
	self.stateLock.Lock()
	send := self.send
	self.stateLock.Unlock()

	if send == nil {
		glog.V(1).Infof("[sks]%s drop (not connected)\n", self.sessionId)
		return
	}
	select {
	case send <- frame:
	case <-self.ctx.Done():
	case <-time.After(self.settings.WriteTimeout):
		glog.Infof("[sks]%s drop (backpressure)\n", self.sessionId)
	}
}

type requestOutcome[R any] struct {
	result R
	err    error
}

// Request sends a payload and waits for the first inbound message that
// `match` claims. A socket-level failure does not reject the request; the
// per-call timeout is the only local terminator. This is an accepted latency
// trade-off: a request racing a dead connection waits out its full timeout.
func Request[R any](socket *Socket, payload any, match ResponseMatcher[R], timeout time.Duration) (R, error) {
	var empty R

	if timeout <= 0 {
		timeout = socket.settings.RequestTimeout
	}

	frame, err := EncodeRequest(payload)
	if err != nil {
		return empty, err
	}

	done := make(chan requestOutcome[R], 1)
	requestId := socket.addPending(func(message *Message) bool {
		result, ok, err := match(message)
		if !ok && err == nil {
			return false
		}
		select {
		case done <- requestOutcome[R]{result: result, err: err}:
			return true
		default:
			// already resolved
			return false
		}
	})

	socket.sendFrame(frame)

	select {
	case outcome := <-done:
		return outcome.result, outcome.err
	case <-socket.ctx.Done():
		socket.removePending(requestId)
		return empty, socket.ctx.Err()
	case <-time.After(timeout):
		socket.removePending(requestId)
		// a claim may have raced the timeout
		select {
		case outcome := <-done:
			return outcome.result, outcome.err
		default:
			return empty, &Timeout{Duration: timeout}
		}
	}
}

func (self *Socket) Close() {
	self.cancel()
}

// Reconnect restarts a terminally settled socket for one fresh round of
// attempts. A successful open clears unauthorized.
func (self *Socket) Reconnect() {
	self.stateLock.Lock()
	if self.running {
		self.stateLock.Unlock()
		return
	}
	self.running = true
	self.attempts = 0
	self.stateLock.Unlock()

	go self.run()
}
