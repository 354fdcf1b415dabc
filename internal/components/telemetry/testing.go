package telemetry

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

// Report is a single call made to a TestingAPI.
type Report struct {
	Kind   string
	Id     string
	Params []any
}

// TestingAPI records every report and forwards it to the test log, so tests can assert that
// a component reported (or did not report) breakage.
type TestingAPI struct {
	t       testing.TB
	mutex   sync.Mutex
	reports []Report
}

func NewTestingAPI(t testing.TB) *TestingAPI {
	return &TestingAPI{t: t}
}

func (a *TestingAPI) record(kind, id string, params []any) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.reports = append(a.reports, Report{Kind: kind, Id: id, Params: params})
	a.t.Log(kind, id, fmt.Sprint(params...))
}

func (a *TestingAPI) ReportBroken(id string, params ...any) {
	a.record("broken", id, params)
}

func (a *TestingAPI) ReportWarning(id string, params ...any) {
	a.record("warning", id, params)
}

func (a *TestingAPI) ReportDebug(msg string, params ...any) {
	a.record("debug", msg, params)
}

func (a *TestingAPI) ReportCount(id string, count int64) {
	a.record("count", id, []any{count})
}

// Reports returns all reports of the given kind ("broken", "warning", "debug", "count") whose id
// contains `id`.
func (a *TestingAPI) Reports(kind, id string) []Report {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var out []Report
	for _, r := range a.reports {
		if r.Kind == kind && strings.Contains(r.Id, id) {
			out = append(out, r)
		}
	}
	return out
}
