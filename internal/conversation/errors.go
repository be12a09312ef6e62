package conversation

import "errors"

var (
	ErrNoConversation = errors.New("conversation: none selected")
	ErrSendInFlight   = errors.New("conversation: a send is already in flight")
	ErrEmptyDraft     = errors.New("conversation: draft is empty")
	ErrInvalidMessage = errors.New("conversation: invalid message")
	ErrStale          = errors.New("conversation: selection changed before the load finished")
	ErrNotInError     = errors.New("conversation: nothing to retry")
	ErrClosed         = errors.New("conversation: controller closed")
)
