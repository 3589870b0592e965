package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Stateless mapping between the five typed operations and their wire
// envelopes. Every operation embeds a fresh request id and claims exactly
// the response carrying that id.

type skullListRequest struct {
	Id    uint64 `msgpack:"id"`
	Skull string `msgpack:"skull"`
}

type quickListRequest struct {
	Id    uint64 `msgpack:"id"`
	Quick string `msgpack:"quick"`
}

type occurrenceRequest struct {
	Id         uint64               `msgpack:"id"`
	Occurrence *occurrenceOperation `msgpack:"occurrence"`
}

type occurrenceOperation struct {
	Search *searchOperation `msgpack:"search,omitempty"`
	Create *createOperation `msgpack:"create,omitempty"`
	Update *updateOperation `msgpack:"update,omitempty"`
	Delete *deleteOperation `msgpack:"delete,omitempty"`
}

type searchOperation struct {
	Start int64  `msgpack:"start"`
	End   *int64 `msgpack:"end,omitempty"`
}

type createOperation struct {
	Items []*createItem `msgpack:"items"`
}

type createItem struct {
	Skull  int64   `msgpack:"skull"`
	Amount float64 `msgpack:"amount"`
	Millis int64   `msgpack:"millis"`
}

type setInt64 struct {
	Set int64 `msgpack:"set"`
}

type setFloat64 struct {
	Set float64 `msgpack:"set"`
}

type updateOperation struct {
	Id     int64       `msgpack:"id"`
	Skull  *setInt64   `msgpack:"skull"`
	Amount *setFloat64 `msgpack:"amount"`
	Millis *setInt64   `msgpack:"millis"`
}

type deleteOperation struct {
	Id int64 `msgpack:"id"`
}

// nil, false when the message is not the response correlated to requestId
func validateResponse(message *Message, requestId uint64) (*Response, bool) {
	if message.Response == nil {
		return nil, false
	}
	response := message.Response
	if response.Id == nil || *response.Id != requestId {
		return nil, false
	}
	return response, true
}

// the fields present on a response, for invalid-response errors
func (self *Response) Shape() string {
	fields := []string{}
	if self.Id != nil {
		fields = append(fields, "id")
	}
	if self.Error != nil {
		fields = append(fields, "error")
	}
	if self.Skulls != nil {
		fields = append(fields, "skulls")
	}
	if self.Quicks != nil {
		fields = append(fields, "quicks")
	}
	if self.Occurrences != nil {
		fields = append(fields, "occurrences")
	}
	if self.Change != nil {
		fields = append(fields, "change")
	}
	return "{" + strings.Join(fields, ",") + "}"
}

func invalidResponse(response *Response) *ErrorMessage {
	return NewErrorMessage(ErrorKindInvalidResponse, fmt.Sprintf("Got: %s", response.Shape()))
}

func listSkulls(socket *Socket) ([]*Skull, error) {
	requestId := newRequestId()
	request := &skullListRequest{
		Id:    requestId,
		Skull: "list",
	}
	skulls, err := Request(socket, request, func(message *Message) ([]*Skull, bool, error) {
		response, ok := validateResponse(message, requestId)
		if !ok {
			return nil, false, nil
		}
		if response.Error != nil {
			return nil, false, classifyWireError(response.Error)
		}
		if response.Skulls == nil {
			return nil, false, invalidResponse(response)
		}
		var skulls []*Skull
		if err := msgpack.Unmarshal(response.Skulls, &skulls); err != nil {
			return nil, false, NewErrorMessage(ErrorKindInvalidResponse, err.Error())
		}
		return skulls, true, nil
	}, 0)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return skulls, nil
}

func listQuicks(socket *Socket) ([]*RawQuick, error) {
	requestId := newRequestId()
	request := &quickListRequest{
		Id:    requestId,
		Quick: "list",
	}
	quicks, err := Request(socket, request, func(message *Message) ([]*RawQuick, bool, error) {
		response, ok := validateResponse(message, requestId)
		if !ok {
			return nil, false, nil
		}
		if response.Error != nil {
			return nil, false, classifyWireError(response.Error)
		}
		if response.Quicks == nil {
			return nil, false, invalidResponse(response)
		}
		var quicks []*RawQuick
		if err := msgpack.Unmarshal(response.Quicks, &quicks); err != nil {
			return nil, false, NewErrorMessage(ErrorKindInvalidResponse, err.Error())
		}
		return quicks, true, nil
	}, 0)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return quicks, nil
}

func searchOccurrences(socket *Socket, start time.Time, end *time.Time) ([]*Occurrence, error) {
	requestId := newRequestId()
	var endMillis *int64
	if end != nil {
		millis := end.UnixMilli()
		endMillis = &millis
	}
	request := &occurrenceRequest{
		Id: requestId,
		Occurrence: &occurrenceOperation{
			Search: &searchOperation{
				Start: start.UnixMilli(),
				End:   endMillis,
			},
		},
	}
	occurrences, err := Request(socket, request, func(message *Message) ([]*Occurrence, bool, error) {
		response, ok := validateResponse(message, requestId)
		if !ok {
			return nil, false, nil
		}
		if response.Error != nil {
			return nil, false, classifyWireError(response.Error)
		}
		if response.Occurrences == nil {
			return nil, false, invalidResponse(response)
		}
		var occurrences []*Occurrence
		if err := msgpack.Unmarshal(response.Occurrences, &occurrences); err != nil {
			return nil, false, NewErrorMessage(ErrorKindInvalidResponse, err.Error())
		}
		return occurrences, true, nil
	}, 0)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return occurrences, nil
}

// an edit resolves with its acknowledgment label. the label must match the
// operation performed; a mismatch is an invalid response.
func editOccurrence(socket *Socket, request any, requestId uint64, action string) (string, error) {
	change, err := Request(socket, request, func(message *Message) (string, bool, error) {
		response, ok := validateResponse(message, requestId)
		if !ok {
			return "", false, nil
		}
		if response.Error != nil {
			return "", false, classifyWireError(response.Error)
		}
		if response.Change == nil {
			return "", false, invalidResponse(response)
		}
		if *response.Change != action {
			return "", false, NewErrorMessage(
				ErrorKindInvalidResponse,
				fmt.Sprintf("Expected %q, got %q", action, *response.Change),
			)
		}
		return *response.Change, true, nil
	}, 0)
	if err != nil {
		return "", ClassifyError(err)
	}
	return change, nil
}

func createOccurrence(socket *Socket, proto *ProtoOccurrence) (string, error) {
	requestId := newRequestId()
	request := &occurrenceRequest{
		Id: requestId,
		Occurrence: &occurrenceOperation{
			Create: &createOperation{
				Items: []*createItem{
					{
						Skull:  proto.Skull,
						Amount: proto.Amount,
						Millis: proto.At.UnixMilli(),
					},
				},
			},
		},
	}
	return editOccurrence(socket, request, requestId, "created")
}

func updateOccurrence(socket *Socket, occurrence *Occurrence) (string, error) {
	requestId := newRequestId()
	request := &occurrenceRequest{
		Id: requestId,
		Occurrence: &occurrenceOperation{
			Update: &updateOperation{
				Id:     occurrence.Id,
				Skull:  &setInt64{Set: occurrence.Skull},
				Amount: &setFloat64{Set: occurrence.Amount},
				Millis: &setInt64{Set: occurrence.At.UnixMilli()},
			},
		},
	}
	return editOccurrence(socket, request, requestId, "updated")
}

func deleteOccurrence(socket *Socket, occurrenceId int64) (string, error) {
	requestId := newRequestId()
	request := &occurrenceRequest{
		Id: requestId,
		Occurrence: &occurrenceOperation{
			Delete: &deleteOperation{
				Id: occurrenceId,
			},
		},
	}
	return editOccurrence(socket, request, requestId, "deleted")
}
