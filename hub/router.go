package hub

import (
	"sync"

	"github.com/golang/glog"

	"github.com/sergium/precursor/protocol"
)

// delivers one envelope to the session's live connection.
// implementations must not block indefinitely; a slow or gone target
// returns an error instead.
type Sender interface {
	Send(sessionId protocol.SessionId, envelope *protocol.Envelope) error
}

type docRoute struct {
	refs int
	lock sync.Mutex
}

// translates one committed change-set into outbound notifications.
// the sender is injected at construction. if the transport layer
// restarts, construct a new router over the new sender; the router
// itself holds no connection state.
//
// notifications for one change-set are handed to the sender before the
// next change-set for the same document is accepted. no ordering is
// guaranteed across documents.
type Router struct {
	registry *SubscriptionRegistry
	sender   Sender

	stateLock sync.Mutex
	docRoutes map[protocol.DocumentId]*docRoute
}

func NewRouter(registry *SubscriptionRegistry, sender Sender) *Router {
	return &Router{
		registry:  registry,
		sender:    sender,
		docRoutes: map[protocol.DocumentId]*docRoute{},
	}
}

func (self *Router) openDocRoute(documentId protocol.DocumentId) *docRoute {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	route, ok := self.docRoutes[documentId]
	if !ok {
		route = &docRoute{}
		self.docRoutes[documentId] = route
	}
	route.refs += 1
	return route
}

func (self *Router) closeDocRoute(documentId protocol.DocumentId, route *docRoute) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	route.refs -= 1
	if route.refs == 0 {
		delete(self.docRoutes, documentId)
	}
}

// fans a committed change-set out to the document's subscribers.
// every subscriber except the originator gets the full set. when the
// set carries server-assigned timestamp records, the originator gets a
// reduced set containing only those records, never a duplicate of its
// own edits. server and bot change-sets broadcast the same way; they
// are not private.
//
// the persistence commit must have completed before this is called, so
// subscribers never see a change that could still roll back.
// delivery failure to one target is logged and dropped; that client
// recovers current state on its next subscribe.
func (self *Router) Route(changeSet *protocol.ChangeSet) {
	route := self.openDocRoute(changeSet.DocumentId)
	defer self.closeDocRoute(changeSet.DocumentId, route)

	route.lock.Lock()
	defer route.lock.Unlock()

	subscribers := self.registry.ListSubscribers(changeSet.DocumentId)

	fullEnvelope, err := protocol.NewEnvelope(
		protocol.MessageChanges,
		changeSet.DocumentId,
		&protocol.ChangesEvent{
			SessionId:    changeSet.SessionId,
			Records:      changeSet.Records,
			ServerUpdate: changeSet.ServerUpdate,
			BotUpdate:    changeSet.BotUpdate,
		},
	)
	if err != nil {
		glog.Infof("[r]encode error %s = %s\n", changeSet.DocumentId, err)
		return
	}

	for sessionId := range subscribers {
		if sessionId == changeSet.SessionId {
			continue
		}
		if err := self.sender.Send(sessionId, fullEnvelope); err != nil {
			glog.Infof("[r]drop %s->%s = %s\n", changeSet.DocumentId, sessionId, err)
		}
	}

	serverRecords := changeSet.ServerTimestampRecords()
	if len(serverRecords) == 0 {
		return
	}
	if (changeSet.SessionId == protocol.SessionId{}) {
		// not originated by a session
		return
	}

	reducedEnvelope, err := protocol.NewEnvelope(
		protocol.MessageChanges,
		changeSet.DocumentId,
		&protocol.ChangesEvent{
			SessionId:    changeSet.SessionId,
			Records:      serverRecords,
			ServerUpdate: true,
		},
	)
	if err != nil {
		glog.Infof("[r]encode error %s = %s\n", changeSet.DocumentId, err)
		return
	}
	if err := self.sender.Send(changeSet.SessionId, reducedEnvelope); err != nil {
		glog.Infof("[r]drop %s->%s = %s\n", changeSet.DocumentId, changeSet.SessionId, err)
	}
}
