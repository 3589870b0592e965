package client

import (
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Every inbound frame decodes into exactly one of: a correlated response,
// a server push, or the unrecognized variant. Unrecognized frames are never
// silently swallowed; the socket logs a shape summary and drops them.

type Response struct {
	Id          *uint64            `msgpack:"id"`
	Error       msgpack.RawMessage `msgpack:"error"`
	Skulls      msgpack.RawMessage `msgpack:"skulls"`
	Quicks      msgpack.RawMessage `msgpack:"quicks"`
	Occurrences msgpack.RawMessage `msgpack:"occurrences"`
	Change      *string            `msgpack:"change"`
}

type Push struct {
	SkullCreated       *Skull        `msgpack:"skullCreated"`
	SkullUpdated       *Skull        `msgpack:"skullUpdated"`
	SkullDeleted       *int64        `msgpack:"skullDeleted"`
	QuickCreated       *RawQuick     `msgpack:"quickCreated"`
	QuickUpdated       *RawQuick     `msgpack:"quickUpdated"`
	QuickDeleted       *int64        `msgpack:"quickDeleted"`
	OccurrencesCreated []*Occurrence `msgpack:"occurrencesCreated"`
	OccurrenceUpdated  *Occurrence   `msgpack:"occurrenceUpdated"`
	OccurrenceDeleted  *int64        `msgpack:"occurrenceDeleted"`
}

type Message struct {
	Response *Response `msgpack:"response"`
	Push     *Push     `msgpack:"push"`

	raw []byte
}

func DecodeMessage(frame []byte) (*Message, error) {
	message := &Message{
		raw: frame,
	}
	if err := msgpack.Unmarshal(frame, message); err != nil {
		return nil, err
	}
	return message, nil
}

func (self *Message) Unrecognized() bool {
	return self.Response == nil && self.Push == nil
}

// a terse description of the top-level wire shape, for logging
func (self *Message) ShapeSummary() string {
	var fields map[string]msgpack.RawMessage
	if err := msgpack.Unmarshal(self.raw, &fields); err != nil {
		return "not a map"
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return "{" + strings.Join(keys, ",") + "}"
}

func EncodeRequest(request any) ([]byte, error) {
	return msgpack.Marshal(request)
}
