package mcp

import "errors"

// Failure classes reported by a [Host]. Implementations wrap them with
// context; callers test with [errors.Is].
var (
	// ErrConnection means the transport could not be established or was lost.
	ErrConnection = errors.New("mcp: connection failed")

	// ErrProtocol means the server answered with something that violates the
	// protocol, such as a failed tool listing.
	ErrProtocol = errors.New("mcp: protocol error")

	// ErrToolNotFound means no registered tool has the requested name.
	ErrToolNotFound = errors.New("mcp: tool not found")

	// ErrInvalidArguments means the arguments are not a JSON object or do not
	// satisfy the tool's input schema. The server is not contacted.
	ErrInvalidArguments = errors.New("mcp: invalid arguments")

	// ErrExecution means the call was dispatched but failed in transit.
	ErrExecution = errors.New("mcp: execution failed")

	// ErrTimeout means the per-call deadline expired.
	ErrTimeout = errors.New("mcp: call timed out")
)
