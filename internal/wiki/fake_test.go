package wiki

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
)

// scriptedCaller replays canned JSON bodies (or errors) in order and records
// the params of every call.
type scriptedCaller struct {
	mu        sync.Mutex
	responses []scripted
	calls     []url.Values
}

type scripted struct {
	body string
	err  error
}

func (s *scriptedCaller) Call(_ context.Context, params url.Values, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, params)
	if len(s.responses) == 0 {
		return json.Unmarshal([]byte(`{}`), out)
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	if next.err != nil {
		return next.err
	}
	return json.Unmarshal([]byte(next.body), out)
}
