package chat

import (
	"errors"
	"fmt"

	"github.com/godeps/reborn-go/pkg/conversation"
)

var (
	// ErrBusy rejects an operation while another one is outstanding.
	ErrBusy = errors.New("chat: session busy")
	// ErrEmptyMessage rejects messages that are blank after trimming.
	ErrEmptyMessage = errors.New("chat: empty message")
	// ErrMessageTooLong rejects messages above the configured rune limit.
	ErrMessageTooLong = errors.New("chat: message too long")
	// ErrProtocol matches StreamErrors caused by a malformed or truncated stream.
	ErrProtocol = errors.New("chat: stream protocol violation")
)

// StreamError reports an assistant-side failure after the stream opened.
type StreamError struct {
	Detail   string
	Protocol bool
	Err      error
}

func (e *StreamError) Error() string {
	if e.Protocol {
		return fmt.Sprintf("chat: stream failed: %s", e.Detail)
	}
	return "chat: assistant error: " + e.Detail
}

func (e *StreamError) Unwrap() error { return e.Err }

func (e *StreamError) Is(target error) bool {
	return target == ErrProtocol && e.Protocol
}

// State is the controller's position in a send.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateFinalizing
	StateRollingBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateRollingBack:
		return "rolling_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Update is published to the observer after every transition and delta.
type Update struct {
	State   State
	History conversation.History
	// Delta is the text just applied, when the update was caused by one.
	Delta string
	Err   error
}
