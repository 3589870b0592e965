package client

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// the socket is terminally closed or unauthorized and queued calls will never flush
var ErrTransportUnusable = errors.New("transport unusable")

type ErrorKind int

const (
	ErrorKindTimeout ErrorKind = iota
	ErrorKindBadRequest
	ErrorKindNotFound
	ErrorKindInternalError
	ErrorKindInvalidResponse
	ErrorKindUnknown
)

func (self ErrorKind) String() string {
	switch self {
	case ErrorKindTimeout:
		return "Timeout"
	case ErrorKindBadRequest:
		return "Bad Request"
	case ErrorKindNotFound:
		return "Not Found"
	case ErrorKindInternalError:
		return "Internal Error"
	case ErrorKindInvalidResponse:
		return "Invalid Response"
	default:
		return "Unknown Error"
	}
}

// matching is case and space insensitive. unmatched labels classify as unknown.
func parseErrorKind(kind string) ErrorKind {
	simplified := strings.ToLower(strings.ReplaceAll(kind, " ", ""))
	switch simplified {
	case "timeout":
		return ErrorKindTimeout
	case "badrequest":
		return ErrorKindBadRequest
	case "notfound":
		return ErrorKindNotFound
	case "internalerror":
		return ErrorKindInternalError
	case "invalidresponse":
		return ErrorKindInvalidResponse
	default:
		return ErrorKindUnknown
	}
}

// a local per-call timeout. never sent on the wire.
type Timeout struct {
	Duration time.Duration
}

func (self *Timeout) Error() string {
	return fmt.Sprintf("Request timed out after %dms", self.Duration.Milliseconds())
}

// the one classified error type surfaced to callers of fetch and edit operations
type ErrorMessage struct {
	Kind    ErrorKind
	Message string
}

func NewErrorMessage(kind ErrorKind, message string) *ErrorMessage {
	if message == "" {
		message = kind.String()
	}
	return &ErrorMessage{
		Kind:    kind,
		Message: message,
	}
}

func (self *ErrorMessage) Error() string {
	return self.Message
}

// ClassifyError normalizes any local error into an `*ErrorMessage`.
// already classified errors pass through unchanged.
func ClassifyError(err error) *ErrorMessage {
	var errorMessage *ErrorMessage
	if errors.As(err, &errorMessage) {
		return errorMessage
	}
	var timeout *Timeout
	if errors.As(err, &timeout) {
		return NewErrorMessage(ErrorKindTimeout, timeout.Error())
	}
	if err != nil {
		return NewErrorMessage(ErrorKindUnknown, err.Error())
	}
	return NewErrorMessage(ErrorKindUnknown, "")
}

type wireError struct {
	Kind    *string `msgpack:"kind"`
	Message *string `msgpack:"message"`
}

// classifyWireError normalizes a raw error payload from a response.
// the server emits either a [kind, message] pair or a {kind, message} object.
func classifyWireError(raw msgpack.RawMessage) *ErrorMessage {
	// the pair form may carry a nil message
	var pair []any
	if err := msgpack.Unmarshal(raw, &pair); err == nil && 0 < len(pair) && len(pair) < 3 {
		kind, _ := pair[0].(string)
		message := ""
		if len(pair) == 2 {
			if s, ok := pair[1].(string); ok {
				message = s
			}
		}
		return NewErrorMessage(parseErrorKind(kind), message)
	}

	var object wireError
	if err := msgpack.Unmarshal(raw, &object); err == nil {
		kind := ErrorKindUnknown
		if object.Kind != nil {
			kind = parseErrorKind(*object.Kind)
		}
		message := ""
		if object.Message != nil {
			message = *object.Message
		}
		return NewErrorMessage(kind, message)
	}

	return NewErrorMessage(ErrorKindUnknown, "")
}
