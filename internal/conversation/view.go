package conversation

import (
	"github.com/TPCP-Project/tpcp-chat/internal/models"
	"github.com/TPCP-Project/tpcp-chat/internal/realtime"
	"github.com/TPCP-Project/tpcp-chat/internal/typing"
)

// State of the conversation view:
//
//	Unmounted -> Loading -> Joined -> Unmounted
//	             Loading -> Error -> (Retry) Loading
type State int

const (
	StateUnmounted State = iota
	StateLoading
	StateJoined
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateLoading:
		return "loading"
	case StateJoined:
		return "joined"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// View is a point-in-time copy of everything a renderer needs. It shares
// no memory with the controller.
type View struct {
	State         State
	Conversation  *models.Conversation
	Messages      []models.Message
	Participants  []models.Participant
	Typing        []typing.User
	TypingVisible bool
	Connection    realtime.Status
	Draft         string
	Sending       bool
	CanSend       bool
	HasMore       bool
	// Notice is a transient, dismissable error message.
	Notice string
	Err    error
}
