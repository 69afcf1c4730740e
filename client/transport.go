package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/sergium/precursor/protocol"
)

var ErrRequestTimeout = errors.New("request timed out")

// a structured error reply from the server
type RemoteError struct {
	Status  int
	Message string
	Key     string
}

func (self *RemoteError) Error() string {
	return fmt.Sprintf("%d %s (%s)", self.Status, self.Message, self.Key)
}

type ConnSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultConnSettings() *ConnSettings {
	return &ConnSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		SendBufferSize:     32,
	}
}

type ReplyFunction func(reply *protocol.Envelope, err error)

type pendingRequest struct {
	timer *time.Timer
	reply ReplyFunction
}

// the client's single full-duplex connection to the hub. reconnects
// with the same session identity, so the server treats a reconnect as
// the same subscriber. replies are correlated by request id; everything
// else goes into the tap for the event loop.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	rawUrl   string
	clientId protocol.ClientId
	token    string
	tap      *Tap
	settings *ConnSettings

	sendQueue chan *protocol.Envelope

	stateLock sync.Mutex
	pending   map[protocol.Id]*pendingRequest
}

func NewConnWithDefaults(ctx context.Context, rawUrl string, clientId protocol.ClientId, token string, tap *Tap) *Conn {
	return NewConn(ctx, rawUrl, clientId, token, tap, DefaultConnSettings())
}

func NewConn(ctx context.Context, rawUrl string, clientId protocol.ClientId, token string, tap *Tap, settings *ConnSettings) *Conn {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &Conn{
		ctx:       cancelCtx,
		cancel:    cancel,
		rawUrl:    rawUrl,
		clientId:  clientId,
		token:     token,
		tap:       tap,
		settings:  settings,
		sendQueue: make(chan *protocol.Envelope, settings.SendBufferSize),
		pending:   map[protocol.Id]*pendingRequest{},
	}
	go conn.run()
	return conn
}

func (self *Conn) Close() {
	self.cancel()
}

func (self *Conn) connectUrl() (string, error) {
	u, err := url.Parse(self.rawUrl)
	if err != nil {
		return "", err
	}
	query := u.Query()
	query.Set("client_id", self.clientId.String())
	if self.token != "" {
		query.Set("token", self.token)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (self *Conn) run() {
	defer self.cancel()

	connectUrl, err := self.connectUrl()
	if err != nil {
		glog.Infof("[c]bad url = %s\n", err)
		return
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		ws, _, err := dialer.DialContext(self.ctx, connectUrl, nil)
		if err != nil {
			glog.Infof("[c]connect error %s = %s\n", self.clientId, err)
		} else {
			self.runConn(ws)
		}

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *Conn) runConn(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case envelope := <-self.sendQueue:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteJSON(envelope); err != nil {
					glog.Infof("[cs]%s-> error = %s\n", self.clientId, err)
					return
				}
				glog.V(2).Infof("[cs]%s-> %s\n", self.clientId, envelope.Kind)
			case <-time.After(self.settings.PingTimeout):
				deadline := time.Now().Add(self.settings.WriteTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		deadline := time.Now().Add(self.settings.WriteTimeout)
		return ws.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		var envelope protocol.Envelope
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		if err := ws.ReadJSON(&envelope); err != nil {
			glog.Infof("[cr]%s<- error = %s\n", self.clientId, err)
			return
		}
		glog.V(2).Infof("[cr]%s<- %s\n", self.clientId, envelope.Kind)
		self.dispatch(&envelope)
	}
}

// replies resolve their pending request; everything else is an event
// for the tap
func (self *Conn) dispatch(envelope *protocol.Envelope) {
	pending := self.takePending(envelope.RequestId)
	if pending == nil {
		self.tap.Put(envelope)
		return
	}

	pending.timer.Stop()
	if envelope.Kind == protocol.MessageError {
		var errorReply protocol.ErrorReply
		if err := envelope.Decode(&errorReply); err != nil {
			pending.reply(envelope, err)
			return
		}
		pending.reply(envelope, &RemoteError{
			Status:  errorReply.Status,
			Message: errorReply.Message,
			Key:     errorReply.Key,
		})
		return
	}
	pending.reply(envelope, nil)
}

func (self *Conn) takePending(requestId protocol.Id) *pendingRequest {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pending := self.pending[requestId]
	delete(self.pending, requestId)
	return pending
}

// fire and forget. a full send buffer is an error, not backpressure.
func (self *Conn) Send(envelope *protocol.Envelope) error {
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("connection closed")
	default:
	}
	select {
	case self.sendQueue <- envelope:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// transmits the envelope and calls reply exactly once: with the
// correlated reply, or with an error on timeout or send failure
func (self *Conn) SendRequest(envelope *protocol.Envelope, timeout time.Duration, reply ReplyFunction) {
	if envelope.RequestId == (protocol.Id{}) {
		envelope.RequestId = protocol.NewId()
	}

	resolve := func(replyEnvelope *protocol.Envelope, err error) {
		if pending := self.takePending(envelope.RequestId); pending != nil {
			pending.timer.Stop()
			pending.reply(replyEnvelope, err)
		}
	}

	// the entry must be registered before the timer is armed. a timer
	// firing first would resolve nothing and leave the entry stranded,
	// so its reply would never fire.
	pending := &pendingRequest{
		reply: reply,
	}
	self.stateLock.Lock()
	self.pending[envelope.RequestId] = pending
	pending.timer = time.AfterFunc(timeout, func() {
		resolve(nil, ErrRequestTimeout)
	})
	self.stateLock.Unlock()

	select {
	case self.sendQueue <- envelope:
	case <-self.ctx.Done():
		resolve(nil, fmt.Errorf("connection closed"))
	case <-time.After(timeout):
		resolve(nil, ErrRequestTimeout)
	}
}

// blocking variant of SendRequest
func (self *Conn) SendRequestSync(envelope *protocol.Envelope, timeout time.Duration) (*protocol.Envelope, error) {
	type result struct {
		reply *protocol.Envelope
		err   error
	}
	resultC := make(chan result, 1)
	self.SendRequest(envelope, timeout, func(reply *protocol.Envelope, err error) {
		resultC <- result{
			reply: reply,
			err:   err,
		}
	})
	r := <-resultC
	return r.reply, r.err
}

// SendBatchFunction for a sync queue over this connection
func (self *Conn) SendBatch(batch *Batch, timeout time.Duration, reply func(*BatchReply, error)) {
	envelope, err := protocol.NewEnvelope(
		protocol.MessageTransaction,
		batch.DocumentId,
		&protocol.TransactionRequest{
			Records: batch.Records,
		},
	)
	if err != nil {
		reply(nil, err)
		return
	}
	envelope.RequestId = batch.Token

	self.SendRequest(envelope, timeout, func(replyEnvelope *protocol.Envelope, err error) {
		if err != nil {
			reply(nil, err)
			return
		}
		var transactionReply protocol.TransactionReply
		if err := replyEnvelope.Decode(&transactionReply); err != nil {
			reply(nil, err)
			return
		}
		reply(&BatchReply{
			Rejected: transactionReply.Rejected,
		}, nil)
	})
}
