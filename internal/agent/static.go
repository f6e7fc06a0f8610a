package agent

import "context"

// StaticInvoker returns canned completions. Used in tests and in deployments
// without an API key.
type StaticInvoker struct {
	Completion Completion
	Err        error

	// Calls records every request, newest last.
	Calls []Request
}

func (s *StaticInvoker) Invoke(_ context.Context, req Request) (Completion, error) {
	s.Calls = append(s.Calls, req)
	if s.Err != nil {
		return Completion{}, s.Err
	}
	return s.Completion, nil
}
