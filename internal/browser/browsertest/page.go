// Package browsertest provides an in-memory browser.Session backed by static markup.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"stockexport-backend/internal/browser"

	"github.com/PuerkitoBio/goquery"
)

// Page is a fake browser tab, the markup it serves can be swapped at any time with SetHTML.
//
// Hooks let a test react to what the workflow does, ex. writing a file into DownloadDir when a
// download link is invoked. Hooks run with the page locked, from a hook only SetHTML, ResetField
// and the exported fields may be used.
type Page struct {
	mutex sync.Mutex
	doc   *goquery.Document
	url   string

	fields      map[string]string
	queries     map[string]int
	clicks      []string
	invocations []browser.Element
	navigations []string
	closes      int

	// DownloadDir is set by Launcher.Launch.
	DownloadDir   string
	Authenticated bool
	Username      string
	Password      string

	OnNavigate     func(p *Page, url string) error
	OnAuthenticate func(p *Page, username, password string) error
	OnSetField     func(p *Page, field browser.Field, value string) error
	OnClick        func(p *Page, selector string) error
	OnQuery        func(p *Page, selector string, count int)
	OnInvoke       func(p *Page, element browser.Element) error
}

func NewPage(html string) *Page {
	p := &Page{
		fields:  map[string]string{},
		queries: map[string]int{},
	}
	p.SetHTML(html)
	return p
}

// SetHTML replaces the page's markup.
func (p *Page) SetHTML(html string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		// the html parser is lenient enough that this only happens on reader errors
		panic(err)
	}
	p.doc = doc
}

func (p *Page) Url() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.url
}

// Fields returns a copy of the field values the page currently holds.
func (p *Page) Fields() map[string]string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	out := make(map[string]string, len(p.fields))
	for k, v := range p.fields {
		out[k] = v
	}
	return out
}

// ResetField clears a field as if the page had re-rendered its form.
func (p *Page) ResetField(selector string) {
	delete(p.fields, selector)
}

func (p *Page) QueryCount(selector string) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.queries[selector]
}

func (p *Page) Clicks() []string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]string(nil), p.clicks...)
}

func (p *Page) Invocations() []browser.Element {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]browser.Element(nil), p.invocations...)
}

func (p *Page) Navigations() []string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]string(nil), p.navigations...)
}

func (p *Page) Closes() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.closes
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.url = url
	p.navigations = append(p.navigations, url)
	if p.OnNavigate != nil {
		return p.OnNavigate(p, url)
	}
	return nil
}

func (p *Page) Exists(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.doc.Find(selector).Length() > 0, nil
}

func (p *Page) Authenticate(ctx context.Context, form browser.LoginForm, username, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, selector := range []string{form.UsernameSelector, form.PasswordSelector, form.SubmitSelector} {
		if p.doc.Find(selector).Length() == 0 {
			return fmt.Errorf("login form '%s': %w", selector, browser.ErrElementNotFound)
		}
	}
	p.Username = username
	p.Password = password
	if p.OnAuthenticate != nil {
		err := p.OnAuthenticate(p, username, password)
		if err != nil {
			return err
		}
	}
	p.Authenticated = true
	return nil
}

func (p *Page) SetField(ctx context.Context, field browser.Field, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.doc.Find(field.Selector).Length() == 0 {
		return fmt.Errorf("set field '%s': %w", field.Selector, browser.ErrElementNotFound)
	}
	p.fields[field.Selector] = value
	if p.OnSetField != nil {
		return p.OnSetField(p, field, value)
	}
	return nil
}

func (p *Page) FieldValue(ctx context.Context, field browser.Field) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	sel := p.doc.Find(field.Selector)
	if sel.Length() == 0 {
		return "", fmt.Errorf("read field '%s': %w", field.Selector, browser.ErrElementNotFound)
	}
	value, ok := p.fields[field.Selector]
	if ok {
		return value, nil
	}
	if field.Kind == browser.FieldCheckbox {
		_, checked := sel.Attr("checked")
		if checked {
			return "true", nil
		}
		return "false", nil
	}
	return sel.AttrOr("value", ""), nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.doc.Find(selector).Length() == 0 {
		return fmt.Errorf("click '%s': %w", selector, browser.ErrElementNotFound)
	}
	p.clicks = append(p.clicks, selector)
	if p.OnClick != nil {
		return p.OnClick(p, selector)
	}
	return nil
}

// WaitVisible does not wait, the fake page has no rendering to wait for.
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	exists, err := p.Exists(ctx, selector)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("wait visible '%s': %w", selector, browser.ErrElementNotFound)
	}
	return nil
}

func (p *Page) Query(ctx context.Context, selector string) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.queries[selector]++
	if p.OnQuery != nil {
		p.OnQuery(p, selector, p.queries[selector])
	}

	elements := []browser.Element{}
	p.doc.Find(selector).Each(func(i int, sel *goquery.Selection) {
		elements = append(elements, browser.Element{
			Selector: selector,
			Index:    i,
			Href:     sel.AttrOr("href", ""),
			Text:     browser.NormalizeText(sel.Text()),
		})
	})
	return elements, nil
}

func (p *Page) Invoke(ctx context.Context, element browser.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if element.Index >= p.doc.Find(element.Selector).Length() {
		return fmt.Errorf("invoke '%s'[%d]: %w", element.Selector, element.Index, browser.ErrElementNotFound)
	}
	p.invocations = append(p.invocations, element)
	if p.OnInvoke != nil {
		return p.OnInvoke(p, element)
	}
	return nil
}

func (p *Page) Diagnostics(ctx context.Context) (browser.Diagnostics, error) {
	if err := ctx.Err(); err != nil {
		return browser.Diagnostics{}, err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	markup, err := goquery.OuterHtml(p.doc.Selection)
	if err != nil {
		return browser.Diagnostics{}, err
	}
	return browser.Diagnostics{
		Url:        p.url,
		Title:      browser.NormalizeText(p.doc.Find("title").Text()),
		Screenshot: []byte("fake screenshot"),
		Markup:     markup,
	}, nil
}

func (p *Page) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.closes++
	return nil
}

// Launcher always hands out the same Page.
type Launcher struct {
	Page *Page
	// Err makes Launch fail.
	Err error

	mutex    sync.Mutex
	launches int
}

func (l *Launcher) Launch(ctx context.Context, downloadDir string) (browser.Session, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.launches++
	if l.Err != nil {
		return nil, l.Err
	}
	l.Page.mutex.Lock()
	l.Page.DownloadDir = downloadDir
	l.Page.mutex.Unlock()
	return l.Page, nil
}

func (l *Launcher) Launches() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.launches
}
