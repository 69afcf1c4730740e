package protocol

// well-known attributes read by the synchronization core.
// everything else is opaque to it.
const (
	// assigned by the persistence layer on commit, echoed back to the
	// originator only
	AttrServerTimestamp = "server/timestamp"

	// the document an entity belongs to. inbound records carrying a
	// different document than the subscribed one are rewritten.
	AttrEntityDocument = "entity/document"
)

// one atomic fact produced by a commit
type ChangeRecord struct {
	EntityId int64  `json:"e"`
	Attr     string `json:"a"`
	Value    any    `json:"v"`
	Added    bool   `json:"added"`
}

// a commit's full group of change records plus out-of-band metadata.
// the router reads the metadata, never mutates it.
type ChangeSet struct {
	DocumentId DocumentId
	SessionId  SessionId
	Records    []ChangeRecord

	ServerUpdate bool
	BotUpdate    bool
	Undoable     bool
}

// the records carrying a server-assigned authoritative timestamp,
// in commit order
func (self *ChangeSet) ServerTimestampRecords() []ChangeRecord {
	var records []ChangeRecord
	for _, record := range self.Records {
		if record.Attr == AttrServerTimestamp {
			records = append(records, record)
		}
	}
	return records
}
