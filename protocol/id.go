package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// comparable
// a 16-byte value formatted as a uuid-style hex string
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) MarshalText() ([]byte, error) {
	return []byte(encodeUuid(self)), nil
}

func (self *Id) UnmarshalText(src []byte) error {
	buf, err := parseUuid(string(src))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse id %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// comparable
// the stable identity of one browser tab, minted by the frontend as a uuid.
// survives reconnects of the same tab, so it is the subscription key.
type SessionId [16]byte

func NewSessionId() SessionId {
	return SessionId(uuid.New())
}

func ParseSessionId(src string) (SessionId, error) {
	u, err := uuid.Parse(src)
	if err != nil {
		return SessionId{}, err
	}
	return SessionId(u), nil
}

func (self SessionId) String() string {
	return uuid.UUID(self).String()
}

func (self SessionId) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *SessionId) UnmarshalText(src []byte) error {
	u, err := uuid.Parse(string(src))
	if err != nil {
		return err
	}
	*self = SessionId(u)
	return nil
}

// opaque key owned by the persistence layer
type DocumentId string

// one physical connection of one session.
// the conn suffix is unique per connection, the session part is not.
type ClientId struct {
	SessionId  SessionId
	ConnSuffix Id
}

func NewClientId(sessionId SessionId) ClientId {
	return ClientId{
		SessionId:  sessionId,
		ConnSuffix: NewId(),
	}
}

// client ids are "<session uuid>-<conn suffix>" where both parts are
// 36-char uuid-formatted strings
func ParseClientId(src string) (ClientId, error) {
	if len(src) != 73 || src[36] != '-' {
		return ClientId{}, fmt.Errorf("cannot parse client id %v", src)
	}
	sessionId, err := ParseSessionId(src[0:36])
	if err != nil {
		return ClientId{}, err
	}
	connSuffix, err := ParseId(src[37:73])
	if err != nil {
		return ClientId{}, err
	}
	return ClientId{
		SessionId:  sessionId,
		ConnSuffix: connSuffix,
	}, nil
}

func (self ClientId) String() string {
	return fmt.Sprintf("%s-%s", self.SessionId, self.ConnSuffix)
}
