// Package locate finds an element that a page renders at some unknown point in the future and
// invokes it.
package locate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stockexport-backend/internal/browser"
	"stockexport-backend/internal/components/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("stockexport/locate")

const (
	report_retrier_locate_and_invoke = "retrier.locate-and-invoke"
)

var ErrActionNotFound = errors.New("action not found")

// Locator is a strategy for finding an element on a page, ok is false if nothing matched.
type Locator interface {
	Locate(ctx context.Context, page browser.Querier) (element browser.Element, ok bool, err error)
	String() string
}

// Selector matches the first element of a precise CSS selector.
type Selector string

func (s Selector) Locate(ctx context.Context, page browser.Querier) (browser.Element, bool, error) {
	elements, err := page.Query(ctx, string(s))
	if err != nil {
		return browser.Element{}, false, err
	}
	if len(elements) == 0 {
		return browser.Element{}, false, nil
	}
	return elements[0], true, nil
}

func (s Selector) String() string {
	return fmt.Sprintf("selector(%s)", string(s))
}

// LinkMatching matches the first anchor whose href or visible text contains any of Needles (case
// insensitive). Only anchors matching Scope are considered, every anchor if it is empty.
type LinkMatching struct {
	Scope   string
	Needles []string
}

func (l LinkMatching) Locate(ctx context.Context, page browser.Querier) (browser.Element, bool, error) {
	scope := l.Scope
	if scope == "" {
		scope = "a"
	}
	anchors, err := page.Query(ctx, scope)
	if err != nil {
		return browser.Element{}, false, err
	}
	for _, a := range anchors {
		href := strings.ToLower(a.Href)
		text := strings.ToLower(a.Text)
		for _, needle := range l.Needles {
			needle = strings.ToLower(needle)
			if needle == "" {
				continue
			}
			if strings.Contains(href, needle) || strings.Contains(text, needle) {
				return a, true, nil
			}
		}
	}
	return browser.Element{}, false, nil
}

func (l LinkMatching) String() string {
	if l.Scope == "" {
		return fmt.Sprintf("link-matching(%s)", strings.Join(l.Needles, "|"))
	}
	return fmt.Sprintf("link-matching(%s in %s)", strings.Join(l.Needles, "|"), l.Scope)
}

// ActionNotFoundError is returned once every attempt has been used up, Diagnostics holds the state
// of the page after the final attempt.
type ActionNotFoundError struct {
	Attempts    int
	Locators    []string
	Diagnostics browser.Diagnostics
}

func (e *ActionNotFoundError) Error() string {
	return fmt.Sprintf(
		"%s after %d attempts with [%s]: %s",
		ErrActionNotFound,
		e.Attempts,
		strings.Join(e.Locators, ", "),
		e.Diagnostics.Summary(),
	)
}

func (e *ActionNotFoundError) Is(target error) bool {
	return target == ErrActionNotFound
}

const (
	DefaultMaxAttempts = 15
	DefaultDelay       = 3 * time.Second
)

// Retrier is the bounded attempt loop over an ordered list of locators.
type Retrier struct {
	MaxAttempts int
	Delay       time.Duration

	tel telemetry.API
}

func NewRetrier(tel telemetry.API) Retrier {
	return Retrier{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultDelay,
		tel:         telemetry.NewScopedAPI("locate", tel),
	}
}

func (r Retrier) reporter() telemetry.API {
	if r.tel == nil {
		return telemetry.NewScopedAPI("locate", telemetry.SlogAPI{})
	}
	return r.tel
}

// LocateAndInvoke tries every locator in order on each attempt and invokes the first match. It
// waits Delay between attempts (not after the last one) and gives up after MaxAttempts.
//
// A locator that errors is treated as not matching, the page may simply be mid-render.
func (r Retrier) LocateAndInvoke(ctx context.Context, page browser.Session, locators []Locator) (browser.Element, error) {
	ctx, span := tracer.Start(ctx, "retrier:LocateAndInvoke")
	defer span.End()

	tel := r.reporter()
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	names := make([]string, len(locators))
	for i, l := range locators {
		names[i] = l.String()
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		for _, locator := range locators {
			element, ok, err := locator.Locate(ctx, page)
			if err != nil {
				if ctx.Err() != nil {
					span.RecordError(ctx.Err())
					span.SetStatus(codes.Error, ctx.Err().Error())
					return browser.Element{}, ctx.Err()
				}
				tel.ReportWarning(report_retrier_locate_and_invoke, fmt.Errorf("%s: %w", locator, err))
				continue
			}
			if !ok {
				continue
			}

			tel.ReportDebug("located action", locator.String(), element.Href, attempt)
			span.SetAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("locator", locator.String()),
			)

			err = page.Invoke(ctx, element)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				tel.ReportBroken(report_retrier_locate_and_invoke, fmt.Errorf("invoke: %w", err), element.Selector)
				return browser.Element{}, err
			}
			return element, nil
		}

		tel.ReportDebug("action not present yet", attempt, maxAttempts)
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(r.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, ctx.Err().Error())
			return browser.Element{}, ctx.Err()
		case <-timer.C:
		}
	}

	notFound := &ActionNotFoundError{
		Attempts: maxAttempts,
		Locators: names,
	}
	diagnostics, err := page.Diagnostics(ctx)
	if err != nil {
		tel.ReportWarning(report_retrier_locate_and_invoke, fmt.Errorf("capture diagnostics: %w", err))
	}
	notFound.Diagnostics = diagnostics

	span.RecordError(notFound)
	span.SetStatus(codes.Error, ErrActionNotFound.Error())
	tel.ReportBroken(report_retrier_locate_and_invoke, notFound)
	return browser.Element{}, notFound
}
