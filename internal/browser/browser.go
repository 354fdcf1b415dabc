// Package browser is the narrow set of capabilities the export workflow needs from a browser.
//
// Everything that touches a page goes through Session so the orchestration and retry logic can be
// tested without chrome (see browsertest).
package browser

import (
	"context"
	"errors"
)

var ErrElementNotFound = errors.New("element not found")

// FieldKind is the type of form control a Field refers to.
type FieldKind int

const (
	// FieldText is an <input> whose value is typed in.
	FieldText FieldKind = iota
	// FieldSelect is a <select> whose value is one of its options' values.
	FieldSelect
	// FieldCheckbox is an <input type=checkbox>, its value is "true" or "false".
	FieldCheckbox
)

func (k FieldKind) String() string {
	switch k {
	case FieldText:
		return "text"
	case FieldSelect:
		return "select"
	case FieldCheckbox:
		return "checkbox"
	}
	return "unknown"
}

// Field is a form control located by a CSS selector.
type Field struct {
	Selector string
	Kind     FieldKind
}

// LoginForm describes where the credentials go.
type LoginForm struct {
	UsernameSelector string `json:"username_selector"`
	PasswordSelector string `json:"password_selector"`
	SubmitSelector   string `json:"submit_selector"`
}

// Element describes a single element matched by a CSS selector, `Index` is its position in the
// result of document.querySelectorAll(Selector).
type Element struct {
	Selector string
	Index    int
	Href     string
	Text     string
}

// Diagnostics is the state of the page captured for an operator when something could not be found.
type Diagnostics struct {
	Url        string
	Title      string
	Screenshot []byte
	Markup     string
}

// Querier is the read-only part of a session that locators use.
type Querier interface {
	// Query returns every element matching the CSS selector, it returns an empty slice (not an error)
	// if nothing matches.
	Query(ctx context.Context, selector string) ([]Element, error)
}

// Session is a single browser tab with downloads routed to one directory.
type Session interface {
	Querier

	Navigate(ctx context.Context, url string) error
	// Exists reports whether any element matches the selector right now.
	Exists(ctx context.Context, selector string) (bool, error)
	// Authenticate fills and submits the login form and waits for the resulting navigation.
	Authenticate(ctx context.Context, form LoginForm, username, password string) error
	SetField(ctx context.Context, field Field, value string) error
	FieldValue(ctx context.Context, field Field) (string, error)
	Click(ctx context.Context, selector string) error
	// WaitVisible blocks until an element matching the selector is visible or ctx is done.
	WaitVisible(ctx context.Context, selector string) error
	// Invoke clicks an element previously returned by Query.
	Invoke(ctx context.Context, element Element) error
	Diagnostics(ctx context.Context) (Diagnostics, error)
	Close() error
}

// Launcher starts sessions.
type Launcher interface {
	// Launch starts a browser whose downloads are written to downloadDir.
	Launch(ctx context.Context, downloadDir string) (Session, error)
}
