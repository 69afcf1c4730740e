package protocol

import (
	"encoding/json"
	"time"
)

type MessageKind string

// client to server
const (
	MessageSubscribe     MessageKind = "subscribe"
	MessageUnsubscribe   MessageKind = "unsubscribe"
	MessageTransaction   MessageKind = "transaction"
	MessageMousePosition MessageKind = "mouse-position"
	MessageUpdateSelf    MessageKind = "update-self"
	MessageFetchCreated  MessageKind = "fetch-created"
	MessageFetchTouched  MessageKind = "fetch-touched"
)

// server to client
const (
	MessageSubscribeReply    MessageKind = "subscribe-reply"
	MessageTransactionReply  MessageKind = "transaction-reply"
	MessageChanges           MessageKind = "changes"
	MessageSubscriberJoined  MessageKind = "subscriber-joined"
	MessageSubscriberLeft    MessageKind = "subscriber-left"
	MessageSubscriberUpdated MessageKind = "subscriber-updated"
	MessageFetchReply        MessageKind = "fetch-reply"
	MessageError             MessageKind = "error"
)

// one wire message. RequestId correlates a reply with its request.
type Envelope struct {
	Kind       MessageKind     `json:"kind"`
	RequestId  Id              `json:"request_id"`
	DocumentId DocumentId      `json:"document_id,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

func NewEnvelope(kind MessageKind, documentId DocumentId, body any) (*Envelope, error) {
	var bodyBytes json.RawMessage
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	return &Envelope{
		Kind:       kind,
		RequestId:  NewId(),
		DocumentId: documentId,
		Body:       bodyBytes,
	}, nil
}

func (self *Envelope) Decode(v any) error {
	return json.Unmarshal(self.Body, v)
}

// the per-subscriber metadata shown to collaborators
type PresenceInfo struct {
	Color       string `json:"color"`
	DisplayName string `json:"display_name"`
	ShowMouse   bool   `json:"show_mouse"`
}

// the identifier range one client is allowed to mint from.
// Offset < Width.
type Stripe struct {
	Width  int64 `json:"width"`
	Offset int64 `json:"offset"`
}

type SubscribeRequest struct {
	DisplayName string `json:"display_name"`
}

type SubscribeReply struct {
	State       []ChangeRecord             `json:"state"`
	Subscribers map[SessionId]PresenceInfo `json:"subscribers"`
	Presence    PresenceInfo               `json:"presence"`
	Stripe      Stripe                     `json:"stripe"`
}

type TransactionRequest struct {
	Records []ChangeRecord `json:"records"`
}

type TransactionReply struct {
	Rejected []ChangeRecord `json:"rejected,omitempty"`
}

// records broadcast to the other subscribers of a document, or the
// server-assigned subset echoed to the originator
type ChangesEvent struct {
	SessionId    SessionId      `json:"session_id"`
	Records      []ChangeRecord `json:"records"`
	ServerUpdate bool           `json:"server_update,omitempty"`
	BotUpdate    bool           `json:"bot_update,omitempty"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Position omitted means the cursor is hidden
type MousePositionEvent struct {
	SessionId SessionId `json:"session_id,omitempty"`
	Position  *Position `json:"position,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Layers    []int64   `json:"layers,omitempty"`
}

type UpdateSelfRequest struct {
	DisplayName string `json:"display_name"`
}

type SubscriberJoinedEvent struct {
	SessionId SessionId    `json:"session_id"`
	Presence  PresenceInfo `json:"presence"`
}

type SubscriberLeftEvent struct {
	SessionId SessionId `json:"session_id"`
}

type SubscriberUpdatedEvent struct {
	SessionId SessionId    `json:"session_id"`
	Presence  PresenceInfo `json:"presence"`
}

type DocumentInfo struct {
	DocumentId   DocumentId `json:"document_id"`
	LastModified time.Time  `json:"last_modified"`
}

type FetchReply struct {
	Documents []DocumentInfo `json:"documents"`
}

// the original request is echoed back for client-side correlation
type ErrorReply struct {
	Status  int       `json:"status"`
	Message string    `json:"message"`
	Key     string    `json:"key"`
	Request *Envelope `json:"request,omitempty"`
}
