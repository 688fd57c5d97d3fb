package adapter

import (
	"context"
	"fmt"
	"sync"
)

// Call records one invocation seen by the mock adapter.
type Call struct {
	AppID    string
	ActionID string
	Params   map[string]interface{}
	Context  Context
}

// Mock is the demo-mode adapter. It returns canned results when configured
// and an echo of the invocation otherwise, and records every call so tests
// can assert on execution counts.
type Mock struct {
	mu      sync.Mutex
	calls   []Call
	results map[string]Result
	errs    map[string]error
	panics  map[string]string
}

// NewMock creates a mock adapter.
func NewMock() *Mock {
	return &Mock{
		results: make(map[string]Result),
		errs:    make(map[string]error),
		panics:  make(map[string]string),
	}
}

func key(appID, actionID string) string {
	return appID + "/" + actionID
}

// StubResult configures the result returned for an app/action pair.
func (m *Mock) StubResult(appID, actionID string, result Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[key(appID, actionID)] = result
}

// StubError configures an error returned for an app/action pair.
func (m *Mock) StubError(appID, actionID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[key(appID, actionID)] = err
}

// StubPanic configures a panic raised for an app/action pair. Used to verify
// the bus converts adapter panics into failure results.
func (m *Mock) StubPanic(appID, actionID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panics[key(appID, actionID)] = message
}

// Execute implements Adapter.
func (m *Mock) Execute(_ context.Context, appID, actionID string, params map[string]interface{}, cctx Context) (Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{AppID: appID, ActionID: actionID, Params: params, Context: cctx})
	k := key(appID, actionID)
	msg, panicking := m.panics[k]
	err, failing := m.errs[k]
	result, stubbed := m.results[k]
	m.mu.Unlock()

	if panicking {
		panic(msg)
	}
	if failing {
		return Result{}, err
	}
	if stubbed {
		return result, nil
	}

	return Ok(map[string]interface{}{
		"demo":    true,
		"message": fmt.Sprintf("executed %s.%s", appID, actionID),
		"params":  params,
	}), nil
}

// Calls returns a copy of all recorded calls.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of recorded calls for an app/action pair.
func (m *Mock) CallCount(appID, actionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.AppID == appID && c.ActionID == actionID {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and stubs.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.results = make(map[string]Result)
	m.errs = make(map[string]error)
	m.panics = make(map[string]string)
}
