package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"stockexport-backend/internal/components/telemetry"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
)

const (
	report_chrome_launch      = "chrome.launch"
	report_chrome_diagnostics = "chrome.diagnostics"
)

// ChromeLauncher launches a local chrome through chromedp.
type ChromeLauncher struct {
	Headless bool
	// ExecPath overrides chromedp's chrome discovery.
	ExecPath string

	tel telemetry.API
}

func NewChromeLauncher(headless bool, execPath string, tel telemetry.API) ChromeLauncher {
	return ChromeLauncher{
		Headless: headless,
		ExecPath: execPath,
		tel:      telemetry.NewScopedAPI("browser", tel),
	}
}

func (l ChromeLauncher) Launch(ctx context.Context, downloadDir string) (Session, error) {
	err := os.MkdirAll(downloadDir, 0755)
	if err != nil {
		return nil, err
	}

	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("headless", l.Headless),
	)
	if l.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.ExecPath))
	}

	// the browser outlives the ctx of the call that launched it, it is torn down by Close
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		tab: tabCtx,
		close: func() {
			cancelTab()
			cancelAlloc()
		},
		tel: l.tel,
	}

	// the first run starts the chrome process and ties it to the ctx it is given, so it runs on
	// the tab itself and ctx can only abort it by tearing the session down
	stop := context.AfterFunc(ctx, func() { s.Close() })
	err = chromedp.Run(tabCtx)
	if !stop() {
		err = errors.Join(err, ctx.Err())
	}
	if err != nil {
		s.Close()
		l.tel.ReportBroken(report_chrome_launch, err, downloadDir)
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	err = s.run(ctx, cdpbrowser.
		SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
		WithDownloadPath(downloadDir))
	if err != nil {
		s.Close()
		l.tel.ReportBroken(report_chrome_launch, err, downloadDir)
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	return s, nil
}

type chromeSession struct {
	tab       context.Context
	close     func()
	closeOnce sync.Once
	tel       telemetry.API
}

// run executes actions on the tab, bounded by ctx's deadline and cancellation.
//
// actions must not run on ctx directly, chromedp only knows about the tab through s.tab.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tab)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func jsString(s string) string {
	encoded, err := json.Marshal(s)
	if err != nil {
		// marshalling a string cannot fail
		panic(err)
	}
	return string(encoded)
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	return s.run(
		ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (s *chromeSession) Exists(ctx context.Context, selector string) (bool, error) {
	var exists bool
	err := s.run(ctx, chromedp.Evaluate(
		fmt.Sprintf("document.querySelector(%s) !== null", jsString(selector)),
		&exists,
	))
	return exists, err
}

func (s *chromeSession) Authenticate(ctx context.Context, form LoginForm, username, password string) error {
	return s.run(
		ctx,
		chromedp.SendKeys(form.UsernameSelector, username, chromedp.ByQuery),
		chromedp.SendKeys(form.PasswordSelector, password, chromedp.ByQuery),
		chromedp.Click(form.SubmitSelector, chromedp.ByQuery),
		// the password input disappears once the login navigation has happened
		chromedp.WaitNotPresent(form.PasswordSelector, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

const setFieldScript = `(function(selector, kind, value) {
	const el = document.querySelector(selector);
	if (el === null) {
		return false;
	}
	if (kind === "checkbox") {
		const want = value === "true";
		if (el.checked !== want) {
			el.click();
		}
		return true;
	}
	el.focus();
	el.value = value;
	el.dispatchEvent(new Event("input", { bubbles: true }));
	el.dispatchEvent(new Event("change", { bubbles: true }));
	el.blur();
	return true;
})(%s, %s, %s)`

func (s *chromeSession) SetField(ctx context.Context, field Field, value string) error {
	var found bool
	err := s.run(ctx, chromedp.Evaluate(
		fmt.Sprintf(setFieldScript, jsString(field.Selector), jsString(field.Kind.String()), jsString(value)),
		&found,
	))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("set field '%s': %w", field.Selector, ErrElementNotFound)
	}
	return nil
}

const fieldValueScript = `(function(selector, kind) {
	const el = document.querySelector(selector);
	if (el === null) {
		return { found: false, value: "" };
	}
	if (kind === "checkbox") {
		return { found: true, value: String(el.checked) };
	}
	return { found: true, value: String(el.value) };
})(%s, %s)`

func (s *chromeSession) FieldValue(ctx context.Context, field Field) (string, error) {
	var result struct {
		Found bool   `json:"found"`
		Value string `json:"value"`
	}
	err := s.run(ctx, chromedp.Evaluate(
		fmt.Sprintf(fieldValueScript, jsString(field.Selector), jsString(field.Kind.String())),
		&result,
	))
	if err != nil {
		return "", err
	}
	if !result.Found {
		return "", fmt.Errorf("read field '%s': %w", field.Selector, ErrElementNotFound)
	}
	return result.Value, nil
}

func (s *chromeSession) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (s *chromeSession) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

const queryScript = `(function(selector) {
	return Array.from(document.querySelectorAll(selector)).map(function(el) {
		return {
			href: el.getAttribute("href") || "",
			text: el.innerText || el.textContent || "",
		};
	});
})(%s)`

func (s *chromeSession) Query(ctx context.Context, selector string) ([]Element, error) {
	var results []struct {
		Href string `json:"href"`
		Text string `json:"text"`
	}
	err := s.run(ctx, chromedp.Evaluate(fmt.Sprintf(queryScript, jsString(selector)), &results))
	if err != nil {
		return nil, err
	}
	elements := make([]Element, len(results))
	for i, r := range results {
		elements[i] = Element{
			Selector: selector,
			Index:    i,
			Href:     r.Href,
			Text:     NormalizeText(r.Text),
		}
	}
	return elements, nil
}

const invokeScript = `(function(selector, index) {
	const el = document.querySelectorAll(selector)[index];
	if (el === undefined) {
		return false;
	}
	el.click();
	return true;
})(%s, %d)`

func (s *chromeSession) Invoke(ctx context.Context, element Element) error {
	var clicked bool
	err := s.run(ctx, chromedp.Evaluate(
		fmt.Sprintf(invokeScript, jsString(element.Selector), element.Index),
		&clicked,
	))
	if err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("invoke '%s'[%d]: %w", element.Selector, element.Index, ErrElementNotFound)
	}
	return nil
}

func (s *chromeSession) Diagnostics(ctx context.Context) (Diagnostics, error) {
	var d Diagnostics
	err := s.run(
		ctx,
		chromedp.Location(&d.Url),
		chromedp.Title(&d.Title),
		chromedp.OuterHTML("html", &d.Markup, chromedp.ByQuery),
	)
	if err != nil {
		s.tel.ReportBroken(report_chrome_diagnostics, fmt.Errorf("capture markup: %w", err))
		return d, err
	}

	// a screenshot is nice to have, the markup alone is still worth returning
	screenshotCtx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()
	err = s.run(screenshotCtx, chromedp.FullScreenshot(&d.Screenshot, 90))
	if err != nil {
		s.tel.ReportWarning(report_chrome_diagnostics, fmt.Errorf("capture screenshot: %w", err))
	}

	return d, nil
}

func (s *chromeSession) Close() error {
	s.closeOnce.Do(s.close)
	return nil
}
