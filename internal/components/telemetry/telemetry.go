// Package telemetry is the reporting surface every component logs and counts through.
package telemetry

import "strings"

// API is how components report what happened to them, tests swap it for a TestingAPI to assert
// on reports.
//
// Report ids name the component that reported, not the line that did: `<type>.<method>` in
// lowercase with dashes between words (ex. `manager.ensure-valid-token`). Which package a report
// came from is added by ScopedAPI. Details go in params, errors first.
type API interface {
	// ReportBroken is for failures someone has to act on.
	ReportBroken(id string, params ...any)
	// ReportWarning is for failures that were recovered from or are expected to happen sometimes
	// (a page that was not ready yet, a download that needed to be recovered).
	ReportWarning(id string, params ...any)
	// ReportDebug is progress information, it is dropped unless running verbose.
	ReportDebug(msg string, params ...any)
	// ReportCount records the value of a count at this point in time, reports of the same id
	// are samples and should not be summed.
	ReportCount(id string, count int64)
}

// ScopedAPI prefixes every id (or message) with the namespace of a package, nesting scopes joins
// their namespaces with dots.
type ScopedAPI struct {
	namespace string
	inner     API
}

func NewScopedAPI(namespace string, inner API) ScopedAPI {
	if parent, ok := inner.(ScopedAPI); ok {
		return ScopedAPI{
			namespace: parent.namespace + "." + namespace,
			inner:     parent.inner,
		}
	}
	return ScopedAPI{namespace: namespace, inner: inner}
}

func (s ScopedAPI) scope(id string) string {
	var b strings.Builder
	b.Grow(len(s.namespace) + 2 + len(id))
	b.WriteString(s.namespace)
	b.WriteString(": ")
	b.WriteString(id)
	return b.String()
}

func (s ScopedAPI) ReportBroken(id string, params ...any) {
	s.inner.ReportBroken(s.scope(id), params...)
}

func (s ScopedAPI) ReportWarning(id string, params ...any) {
	s.inner.ReportWarning(s.scope(id), params...)
}

func (s ScopedAPI) ReportDebug(msg string, params ...any) {
	s.inner.ReportDebug(s.scope(msg), params...)
}

func (s ScopedAPI) ReportCount(id string, count int64) {
	s.inner.ReportCount(s.scope(id), count)
}
