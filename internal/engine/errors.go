package engine

import "errors"

// Failure classes. None of these leave the control queue: they are logged
// and resolved by the next corrective radio request.
var (
	ErrRadioUnavailable = errors.New("radio unavailable")
	ErrProtocolMismatch = errors.New("beacon characteristic not found")
	ErrQueueClosed      = errors.New("control queue closed")
)
