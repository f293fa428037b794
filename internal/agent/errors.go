package agent

import "errors"

var (
	// ErrUnknownPermission means the permission id is neither pending nor
	// resolved with the same decision.
	ErrUnknownPermission = errors.New("unknown permission")

	// ErrUnsupportedMode means the mode id is not in availableModes.
	ErrUnsupportedMode = errors.New("unsupported mode")

	// ErrBusy means a second concurrent turn was attempted. This is a
	// guard; the mailbox makes it unreachable in normal operation.
	ErrBusy = errors.New("agent busy")

	// ErrShutdown means the agent's mailbox is closed.
	ErrShutdown = errors.New("agent is shut down")
)
