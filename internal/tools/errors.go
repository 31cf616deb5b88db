package tools

import "fmt"

// ErrToolUnavailable reports that the model requested a tool that is
// not registered. The engine turns this into a structured error result
// rather than failing the request.
type ErrToolUnavailable struct {
	Name string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.Name)
}
