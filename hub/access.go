package hub

import (
	"sync"

	"github.com/sergium/precursor/protocol"
)

type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeAdmin Scope = "admin"
)

// the authorization collaborator. consulted as a capability check only;
// policy lives elsewhere.
type AccessChecker interface {
	CheckAccess(documentId protocol.DocumentId, principal *Principal, scope Scope) bool
}

// answers admin-scope checks from the subscription registry before
// consulting the external checker. a session that is already a
// subscriber was admitted through the full check once and is trusted
// for the duration of its subscription. this skips a persistence round
// trip on every high-frequency message such as cursor moves.
type AccessGate struct {
	registry *SubscriptionRegistry
	checker  AccessChecker
}

func NewAccessGate(registry *SubscriptionRegistry, checker AccessChecker) *AccessGate {
	return &AccessGate{
		registry: registry,
		checker:  checker,
	}
}

// nil when authorized. otherwise an access error distinguishing the
// unauthenticated case (log in) from the unauthorized case (request
// access).
func (self *AccessGate) Authorize(documentId protocol.DocumentId, sessionId protocol.SessionId, principal *Principal, scope Scope) *AccessError {
	if scope == ScopeAdmin && self.registry.IsSubscribed(documentId, sessionId) {
		return nil
	}
	if self.checker.CheckAccess(documentId, principal, scope) {
		return nil
	}
	if principal == nil || !principal.Authenticated {
		return ErrLoginRequired()
	}
	return ErrAccessDenied()
}

// a checker backed by an in-memory grant table. used by tests and by
// precursord when it runs without an external auth service.
type StaticAccessChecker struct {
	// grant every scope to every principal
	AllowAll bool

	stateLock sync.Mutex
	grants    map[protocol.DocumentId]map[protocol.Id]Scope
}

func NewStaticAccessChecker(allowAll bool) *StaticAccessChecker {
	return &StaticAccessChecker{
		AllowAll: allowAll,
		grants:   map[protocol.DocumentId]map[protocol.Id]Scope{},
	}
}

func (self *StaticAccessChecker) Grant(documentId protocol.DocumentId, userId protocol.Id, scope Scope) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	documentGrants, ok := self.grants[documentId]
	if !ok {
		documentGrants = map[protocol.Id]Scope{}
		self.grants[documentId] = documentGrants
	}
	documentGrants[userId] = scope
}

func (self *StaticAccessChecker) CheckAccess(documentId protocol.DocumentId, principal *Principal, scope Scope) bool {
	if self.AllowAll {
		return true
	}
	if principal == nil || !principal.Authenticated {
		return false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	granted, ok := self.grants[documentId][principal.UserId]
	if !ok {
		return false
	}
	// admin covers read
	return granted == scope || granted == ScopeAdmin
}
