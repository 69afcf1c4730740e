package hub

import (
	"github.com/golang/glog"

	"github.com/sergium/precursor/protocol"
)

// reaps registry state when a connection goes away, however it goes
// away. safe to invoke any number of times for the same session:
// duplicate close events purge nothing and notify nobody.
type ConnectionLifecycle struct {
	registry *SubscriptionRegistry
	sender   Sender
}

func NewConnectionLifecycle(registry *SubscriptionRegistry, sender Sender) *ConnectionLifecycle {
	return &ConnectionLifecycle{
		registry: registry,
		sender:   sender,
	}
}

// removes the session from every document it was subscribed to and
// tells every remaining co-subscriber who left
func (self *ConnectionLifecycle) HandleDisconnect(sessionId protocol.SessionId) {
	affected := self.registry.PurgeSession(sessionId)
	if len(affected) == 0 {
		return
	}
	glog.V(2).Infof("[lc]purge %s from %d documents\n", sessionId, len(affected))

	for documentId, coSubscribers := range affected {
		envelope, err := protocol.NewEnvelope(
			protocol.MessageSubscriberLeft,
			documentId,
			&protocol.SubscriberLeftEvent{
				SessionId: sessionId,
			},
		)
		if err != nil {
			glog.Infof("[lc]encode error %s = %s\n", documentId, err)
			continue
		}
		for _, target := range coSubscribers {
			if err := self.sender.Send(target, envelope); err != nil {
				glog.Infof("[lc]drop %s->%s = %s\n", documentId, target, err)
			}
		}
	}
}
