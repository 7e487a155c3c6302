package services

import "errors"

var (
	// ErrAuthenticationFailed rejects a connection before it is connected.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrNotParticipant denies access to a conversation the caller is not part of.
	ErrNotParticipant = errors.New("not a participant of this conversation")

	// ErrMalformedCursor is returned for client-supplied cursors that do not decode.
	ErrMalformedCursor = errors.New("malformed cursor")

	// ErrInvalidRequest covers other unusable pagination input.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrStoreUnavailable means presence and typing state is temporarily unknown.
	ErrStoreUnavailable = errors.New("ephemeral store unavailable")

	// ErrConnectionClosed is returned when sending to a peer that has gone away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSlowConsumer is returned when a peer's outbound buffer is full.
	ErrSlowConsumer = errors.New("peer send buffer full")
)
