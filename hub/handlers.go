package hub

import (
	"errors"

	"github.com/golang/glog"

	"github.com/sergium/precursor/protocol"
)

func (self *Hub) registerHandlers() {
	self.dispatcher.Register(protocol.MessageSubscribe, self.handleSubscribe)
	self.dispatcher.Register(protocol.MessageUnsubscribe, self.handleUnsubscribe)
	self.dispatcher.Register(protocol.MessageTransaction, self.handleTransaction)
	self.dispatcher.Register(protocol.MessageMousePosition, self.handleMousePosition)
	self.dispatcher.Register(protocol.MessageUpdateSelf, self.handleUpdateSelf)
	self.dispatcher.Register(protocol.MessageFetchCreated, self.handleFetchCreated)
	self.dispatcher.Register(protocol.MessageFetchTouched, self.handleFetchTouched)
}

// sends the envelope to every subscriber of the document except origin
func (self *Hub) relayToPeers(documentId protocol.DocumentId, origin protocol.SessionId, envelope *protocol.Envelope) {
	for sessionId := range self.registry.ListSubscribers(documentId) {
		if sessionId == origin {
			continue
		}
		if err := self.Send(sessionId, envelope); err != nil {
			glog.Infof("[h]drop %s->%s = %s\n", documentId, sessionId, err)
		}
	}
}

func (self *Hub) handleSubscribe(requestCtx *RequestContext, envelope *protocol.Envelope) (*protocol.Envelope, error) {
	documentId := envelope.DocumentId
	sessionId := requestCtx.ClientId.SessionId

	if accessErr := self.gate.Authorize(documentId, sessionId, requestCtx.Principal, ScopeRead); accessErr != nil {
		return nil, accessErr
	}

	var request protocol.SubscribeRequest
	if len(envelope.Body) != 0 {
		if err := envelope.Decode(&request); err != nil {
			return nil, ErrBadRequest("Malformed subscribe request.")
		}
	}
	displayName := request.DisplayName
	if displayName == "" {
		displayName = requestCtx.Principal.Name
	}
	if displayName == "" {
		displayName = "Anonymous"
	}

	// subscribe before reading the snapshot. a change-set routed while
	// the snapshot is read then reaches the joining session as a changes
	// event; appearing in both is a clean replace, missing both is a
	// lost update.
	alreadySubscribed := self.registry.IsSubscribed(documentId, sessionId)
	presence := self.registry.Subscribe(documentId, sessionId, displayName)
	stripe := self.registry.AssignStripe(documentId)

	state, err := self.store.Snapshot(requestCtx.Ctx, documentId)
	if err != nil {
		if !alreadySubscribed {
			self.registry.Unsubscribe(documentId, sessionId)
		}
		if errors.Is(err, ErrDocumentNotFound) {
			return nil, ErrNotFound("Document")
		}
		return nil, err
	}

	subscribers := self.registry.ListSubscribers(documentId)

	joined, err := protocol.NewEnvelope(
		protocol.MessageSubscriberJoined,
		documentId,
		&protocol.SubscriberJoinedEvent{
			SessionId: sessionId,
			Presence:  presence,
		},
	)
	if err != nil {
		return nil, err
	}
	self.relayToPeers(documentId, sessionId, joined)

	return protocol.NewEnvelope(
		protocol.MessageSubscribeReply,
		documentId,
		&protocol.SubscribeReply{
			State:       state,
			Subscribers: subscribers,
			Presence:    presence,
			Stripe:      stripe,
		},
	)
}

func (self *Hub) handleUnsubscribe(requestCtx *RequestContext, envelope *protocol.Envelope) (*protocol.Envelope, error) {
	documentId := envelope.DocumentId
	sessionId := requestCtx.ClientId.SessionId

	self.registry.Unsubscribe(documentId, sessionId)

	left, err := protocol.NewEnvelope(
		protocol.MessageSubscriberLeft,
		documentId,
		&protocol.SubscriberLeftEvent{
			SessionId: sessionId,
		},
	)
	if err != nil {
		return nil, err
	}
	self.relayToPeers(documentId, sessionId, left)
	return nil, nil
}

func (self *Hub) handleTransaction(requestCtx *RequestContext, envelope *protocol.Envelope) (*protocol.Envelope, error) {
	documentId := envelope.DocumentId
	sessionId := requestCtx.ClientId.SessionId

	if accessErr := self.gate.Authorize(documentId, sessionId, requestCtx.Principal, ScopeAdmin); accessErr != nil {
		return nil, accessErr
	}

	var request protocol.TransactionRequest
	if err := envelope.Decode(&request); err != nil {
		return nil, ErrBadRequest("Malformed transaction request.")
	}

	var accepted []protocol.ChangeRecord
	var rejected []protocol.ChangeRecord
	for _, record := range request.Records {
		if record.EntityId <= 0 || record.Attr == "" {
			rejected = append(rejected, record)
			continue
		}
		// an entity aimed at another document is forced back to the
		// subscribed one
		if record.Attr == protocol.AttrEntityDocument && record.Value != string(documentId) {
			record.Value = string(documentId)
		}
		accepted = append(accepted, record)
	}

	if len(accepted) > 0 {
		changeSet := &protocol.ChangeSet{
			DocumentId: documentId,
			SessionId:  sessionId,
			Records:    accepted,
			Undoable:   true,
		}
		committed, err := self.store.Commit(requestCtx.Ctx, changeSet, requestCtx.Principal)
		if err != nil {
			if errors.Is(err, ErrDocumentNotFound) {
				return nil, ErrNotFound("Document")
			}
			return nil, err
		}
		self.router.Route(committed)
	}

	return protocol.NewEnvelope(
		protocol.MessageTransactionReply,
		documentId,
		&protocol.TransactionReply{
			Rejected: rejected,
		},
	)
}

func (self *Hub) handleMousePosition(requestCtx *RequestContext, envelope *protocol.Envelope) (*protocol.Envelope, error) {
	documentId := envelope.DocumentId
	sessionId := requestCtx.ClientId.SessionId

	if accessErr := self.gate.Authorize(documentId, sessionId, requestCtx.Principal, ScopeAdmin); accessErr != nil {
		return nil, accessErr
	}

	var event protocol.MousePositionEvent
	if err := envelope.Decode(&event); err != nil {
		return nil, ErrBadRequest("Malformed mouse position.")
	}
	event.SessionId = sessionId

	relay, err := protocol.NewEnvelope(protocol.MessageMousePosition, documentId, &event)
	if err != nil {
		return nil, err
	}
	self.relayToPeers(documentId, sessionId, relay)
	return nil, nil
}

func (self *Hub) handleUpdateSelf(requestCtx *RequestContext, envelope *protocol.Envelope) (*protocol.Envelope, error) {
	documentId := envelope.DocumentId
	sessionId := requestCtx.ClientId.SessionId

	if accessErr := self.gate.Authorize(documentId, sessionId, requestCtx.Principal, ScopeAdmin); accessErr != nil {
		return nil, accessErr
	}

	var request protocol.UpdateSelfRequest
	if err := envelope.Decode(&request); err != nil {
		return nil, ErrBadRequest("Malformed update-self request.")
	}

	if err := self.store.SetDisplayName(requestCtx.Ctx, requestCtx.Principal, request.DisplayName); err != nil {
		return nil, err
	}

	presence, ok := self.registry.UpdatePresence(documentId, sessionId, PresencePatch{
		DisplayName: &request.DisplayName,
	})
	if !ok {
		// raced an unsubscribe. nothing to relay.
		return nil, nil
	}

	updated, err := protocol.NewEnvelope(
		protocol.MessageSubscriberUpdated,
		documentId,
		&protocol.SubscriberUpdatedEvent{
			SessionId: sessionId,
			Presence:  presence,
		},
	)
	if err != nil {
		return nil, err
	}
	self.relayToPeers(documentId, sessionId, updated)
	return nil, nil
}

func (self *Hub) handleFetchCreated(requestCtx *RequestContext, envelope *protocol.Envelope) (*protocol.Envelope, error) {
	documents, err := self.store.CreatedDocuments(requestCtx.Ctx, requestCtx.Principal)
	if err != nil {
		return nil, err
	}
	return protocol.NewEnvelope(protocol.MessageFetchReply, "", &protocol.FetchReply{
		Documents: documents,
	})
}

func (self *Hub) handleFetchTouched(requestCtx *RequestContext, envelope *protocol.Envelope) (*protocol.Envelope, error) {
	documents, err := self.store.TouchedDocuments(requestCtx.Ctx, requestCtx.Principal)
	if err != nil {
		return nil, err
	}
	return protocol.NewEnvelope(protocol.MessageFetchReply, "", &protocol.FetchReply{
		Documents: documents,
	})
}
