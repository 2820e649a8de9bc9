package app

import "errors"

var (
	// ErrSessionBusy indicates the session already has a question or stream in flight.
	ErrSessionBusy = errors.New("session busy")
	ErrNoStore     = errors.New("session store required")
	ErrNoQuery     = errors.New("query service required")
	ErrClosed      = errors.New("chat app is shutting down")

	ErrMessageNotFound = errors.New("message not found")
	// ErrNotStreamTarget rejects streams into user messages or messages that
	// are no longer the last one.
	ErrNotStreamTarget = errors.New("message cannot be streamed into")
)
