package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/sergium/precursor/protocol"
)

type HubSettings struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingTimeout    time.Duration
	SendBufferSize int
	ReadLimit      int64
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    30 * time.Second,
		PingTimeout:    10 * time.Second,
		SendBufferSize: 32,
		ReadLimit:      1024 * 1024,
	}
}

// the server-side synchronization core. one hub serves every live
// connection of the process; each connection runs its own worker and
// the subscription registry is the only state they share.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    DocumentStore
	settings *HubSettings

	registry   *SubscriptionRegistry
	router     *Router
	lifecycle  *ConnectionLifecycle
	gate       *AccessGate
	dispatcher *Dispatcher

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	conns     map[protocol.SessionId]*hubConn
}

func NewHubWithDefaults(ctx context.Context, store DocumentStore, checker AccessChecker) *Hub {
	return NewHub(ctx, store, checker, DefaultHubSettings())
}

func NewHub(ctx context.Context, store DocumentStore, checker AccessChecker, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)

	hub := &Hub{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		settings: settings,
		registry: NewSubscriptionRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: map[protocol.SessionId]*hubConn{},
	}
	hub.router = NewRouter(hub.registry, hub)
	hub.lifecycle = NewConnectionLifecycle(hub.registry, hub)
	hub.gate = NewAccessGate(hub.registry, checker)
	hub.dispatcher = NewDispatcher()
	hub.registerHandlers()
	return hub
}

func (self *Hub) Close() {
	self.cancel()
}

// routes change-sets committed outside an inbound message, e.g. by a
// bot actor or an import job
func (self *Hub) RouteCommitted(changeSet *protocol.ChangeSet) {
	self.router.Route(changeSet)
}

// Sender. resolves the session's live connection at send time.
func (self *Hub) Send(sessionId protocol.SessionId, envelope *protocol.Envelope) error {
	self.stateLock.Lock()
	conn := self.conns[sessionId]
	self.stateLock.Unlock()

	if conn == nil {
		return fmt.Errorf("no connection for session %s", sessionId)
	}
	return conn.send(envelope)
}

// registers the connection as the session's current one. a reconnect
// replaces the previous connection without purging the session's
// subscriptions.
func (self *Hub) attach(conn *hubConn) {
	self.stateLock.Lock()
	previous := self.conns[conn.clientId.SessionId]
	self.conns[conn.clientId.SessionId] = conn
	self.stateLock.Unlock()

	if previous != nil {
		glog.V(2).Infof("[h]replace connection %s\n", conn.clientId)
		previous.close()
	}
}

// drops the connection and, if it was still the session's current one,
// reaps the session's subscriptions. a connection replaced by a
// reconnect detaches without a purge.
func (self *Hub) detach(conn *hubConn) {
	self.stateLock.Lock()
	current := self.conns[conn.clientId.SessionId] == conn
	if current {
		delete(self.conns, conn.clientId.SessionId)
	}
	self.stateLock.Unlock()

	if current {
		self.lifecycle.HandleDisconnect(conn.clientId.SessionId)
	}
}

func (self *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientId, err := protocol.ParseClientId(r.URL.Query().Get("client_id"))
	if err != nil {
		http.Error(w, "bad client id", http.StatusBadRequest)
		return
	}

	principal := AnonymousPrincipal()
	if token := r.URL.Query().Get("token"); token != "" {
		if parsed, err := ParsePrincipalUnverified(token); err == nil {
			principal = parsed
		} else {
			glog.Infof("[h]bad token %s = %s\n", clientId, err)
		}
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[h]upgrade error = %s\n", err)
		return
	}

	conn := newHubConn(self, clientId, principal, ws)
	self.attach(conn)
	glog.V(2).Infof("[h]connect %s\n", clientId)
	conn.run()
	self.detach(conn)
	glog.V(2).Infof("[h]disconnect %s\n", clientId)
}

type hubConn struct {
	hub       *Hub
	clientId  protocol.ClientId
	principal *Principal
	ws        *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	sendQueue chan *protocol.Envelope
	closeOnce sync.Once
}

func newHubConn(hub *Hub, clientId protocol.ClientId, principal *Principal, ws *websocket.Conn) *hubConn {
	cancelCtx, cancel := context.WithCancel(hub.ctx)
	return &hubConn{
		hub:       hub,
		clientId:  clientId,
		principal: principal,
		ws:        ws,
		ctx:       cancelCtx,
		cancel:    cancel,
		sendQueue: make(chan *protocol.Envelope, hub.settings.SendBufferSize),
	}
}

// non-blocking. a full queue is a delivery failure, not backpressure
// into the router.
func (self *hubConn) send(envelope *protocol.Envelope) error {
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("connection closed")
	default:
	}
	select {
	case self.sendQueue <- envelope:
		return nil
	default:
		return fmt.Errorf("send queue full")
	}
}

func (self *hubConn) close() {
	self.closeOnce.Do(func() {
		self.cancel()
		self.ws.Close()
	})
}

func (self *hubConn) run() {
	defer self.close()

	go self.writePump()
	self.readPump()
}

func (self *hubConn) writePump() {
	defer self.close()

	settings := self.hub.settings
	for {
		select {
		case <-self.ctx.Done():
			return
		case envelope := <-self.sendQueue:
			self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.ws.WriteJSON(envelope); err != nil {
				glog.Infof("[hs]%s-> error = %s\n", self.clientId, err)
				return
			}
			glog.V(2).Infof("[hs]%s-> %s\n", self.clientId, envelope.Kind)
		case <-time.After(settings.PingTimeout):
			deadline := time.Now().Add(settings.WriteTimeout)
			if err := self.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (self *hubConn) readPump() {
	defer self.close()

	settings := self.hub.settings
	self.ws.SetReadLimit(settings.ReadLimit)
	self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		var envelope protocol.Envelope
		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		if err := self.ws.ReadJSON(&envelope); err != nil {
			glog.V(2).Infof("[hr]%s<- error = %s\n", self.clientId, err)
			return
		}
		glog.V(2).Infof("[hr]%s<- %s\n", self.clientId, envelope.Kind)

		requestCtx := &RequestContext{
			Ctx:       self.ctx,
			ClientId:  self.clientId,
			Principal: self.principal,
		}
		if reply := self.hub.dispatcher.Dispatch(requestCtx, &envelope); reply != nil {
			if err := self.send(reply); err != nil {
				glog.Infof("[hs]drop reply %s = %s\n", self.clientId, err)
			}
		}
	}
}
