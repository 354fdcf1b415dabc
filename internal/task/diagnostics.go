package task

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stockexport-backend/internal/browser"
	"stockexport-backend/internal/components/telemetry"
)

const report_diagnostics_write = "diagnostics.write"

// DiagnosticsOutput keeps the page state of failed tasks on disk for an operator to look at.
type DiagnosticsOutput struct {
	directory string
	tel       telemetry.API
}

// NewDiagnosticsOutput writes into `dir`, an empty dir disables the output.
func NewDiagnosticsOutput(dir string, tel telemetry.API) DiagnosticsOutput {
	return DiagnosticsOutput{directory: dir, tel: tel}
}

// Write saves the screenshot and markup as `<warehouse>-<timestamp>.{png,html}` and returns the
// paths it wrote.
func (o DiagnosticsOutput) Write(warehouse string, at time.Time, d browser.Diagnostics) []string {
	if o.directory == "" {
		return nil
	}
	err := os.MkdirAll(o.directory, 0755)
	if err != nil {
		o.tel.ReportWarning(report_diagnostics_write, err, o.directory)
		return nil
	}

	prefix := filepath.Join(o.directory, fmt.Sprintf("%s-%s", warehouse, at.Format("20060102-150405")))
	var written []string

	if len(d.Screenshot) > 0 {
		path := prefix + ".png"
		err := os.WriteFile(path, d.Screenshot, 0644)
		if err != nil {
			o.tel.ReportWarning(report_diagnostics_write, err, path)
		} else {
			written = append(written, path)
		}
	}
	if d.Markup != "" {
		path := prefix + ".html"
		contents := fmt.Sprintf("<!-- %s -->\n%s", d.Url, d.Markup)
		err := os.WriteFile(path, []byte(contents), 0644)
		if err != nil {
			o.tel.ReportWarning(report_diagnostics_write, err, path)
		} else {
			written = append(written, path)
		}
	}
	return written
}
