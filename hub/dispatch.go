package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/golang/glog"

	"github.com/sergium/precursor/protocol"
)

// per-request state threaded through a handler
type RequestContext struct {
	Ctx       context.Context
	ClientId  protocol.ClientId
	Principal *Principal
}

// returns a reply envelope, or nil for fire-and-forget kinds.
// an *AccessError return becomes a structured error reply; any other
// error becomes an internal error reply.
type HandlerFunc func(requestCtx *RequestContext, envelope *protocol.Envelope) (*protocol.Envelope, error)

// a fixed table from message kind to handler. kinds are registered at
// hub construction; there is no runtime reflection in the dispatch
// path.
type Dispatcher struct {
	stateLock sync.Mutex
	handlers  map[protocol.MessageKind]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: map[protocol.MessageKind]HandlerFunc{},
	}
}

func (self *Dispatcher) Register(kind protocol.MessageKind, handler HandlerFunc) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.handlers[kind] = handler
}

func (self *Dispatcher) handler(kind protocol.MessageKind) HandlerFunc {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.handlers[kind]
}

// the error boundary for one inbound message. a panicking or failing
// handler produces an error reply addressed to the originating session;
// it never takes down the connection worker.
func (self *Dispatcher) Dispatch(requestCtx *RequestContext, envelope *protocol.Envelope) (reply *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			glog.Infof("[d]panic %s %s = %v\n", requestCtx.ClientId, envelope.Kind, r)
			reply = errorReply(envelope, &AccessError{
				Status:  http.StatusInternalServerError,
				Message: fmt.Sprintf("%v", r),
				Key:     ErrorKeyInternal,
			})
		}
	}()

	handler := self.handler(envelope.Kind)
	if handler == nil {
		return errorReply(envelope, &AccessError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("Unknown message kind %q.", envelope.Kind),
			Key:     ErrorKeyUnknownKind,
		})
	}

	reply, err := handler(requestCtx, envelope)
	if err != nil {
		var accessErr *AccessError
		if !errors.As(err, &accessErr) {
			glog.Infof("[d]handler error %s %s = %s\n", requestCtx.ClientId, envelope.Kind, err)
			accessErr = &AccessError{
				Status:  http.StatusInternalServerError,
				Message: "Internal error.",
				Key:     ErrorKeyInternal,
			}
		}
		return errorReply(envelope, accessErr)
	}
	if reply != nil {
		reply.RequestId = envelope.RequestId
	}
	return reply
}

func errorReply(request *protocol.Envelope, accessErr *AccessError) *protocol.Envelope {
	reply, err := protocol.NewEnvelope(
		protocol.MessageError,
		request.DocumentId,
		&protocol.ErrorReply{
			Status:  accessErr.Status,
			Message: accessErr.Message,
			Key:     accessErr.Key,
			Request: request,
		},
	)
	if err != nil {
		// the error reply itself is not encodable. nothing to send.
		glog.Infof("[d]encode error reply = %s\n", err)
		return nil
	}
	reply.RequestId = request.RequestId
	return reply
}
