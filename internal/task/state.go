package task

import (
	"errors"
	"fmt"

	"stockexport-backend/internal/download"
	"stockexport-backend/internal/gauth"
	"stockexport-backend/internal/gdrive"
	"stockexport-backend/internal/locate"
	"stockexport-backend/internal/warehouse"
)

// State is a step of the export workflow, a task moves through them in declaration order.
type State int

const (
	Idle State = iota
	BrowserReady
	FiltersConfigured
	ExportTriggered
	DownloadLocated
	FileRelocated
	DataExtracted
	Uploaded
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case BrowserReady:
		return "BrowserReady"
	case FiltersConfigured:
		return "FiltersConfigured"
	case ExportTriggered:
		return "ExportTriggered"
	case DownloadLocated:
		return "DownloadLocated"
	case FileRelocated:
		return "FileRelocated"
	case DataExtracted:
		return "DataExtracted"
	case Uploaded:
		return "Uploaded"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrFilterConfigurationFailed = errors.New("filter values did not persist on the export form")
	ErrNoDestinationConfigured   = errors.New("no destination folder configured for file")
)

// Error is the single classified failure of a task. State is the last state the task reached
// before failing.
type Error struct {
	Warehouse string
	State     State
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("export '%s' failed in state %s: %s", e.Warehouse, e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns a stable identifier for the class of a task error, it is what the run log and the
// http api expose to callers.
func Code(err error) string {
	var uploadErr *gdrive.UploadError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, warehouse.ErrInvalidWarehouse):
		return "invalid_warehouse"
	case errors.Is(err, gauth.ErrCredentialExpired):
		return "credential_expired"
	case errors.As(err, &uploadErr):
		return fmt.Sprintf("upload_failed:%s", uploadErr.Kind)
	case errors.Is(err, gauth.ErrTokenRefreshFailed):
		return "token_refresh_failed"
	case errors.Is(err, ErrFilterConfigurationFailed):
		return "filter_configuration_failed"
	case errors.Is(err, locate.ErrActionNotFound):
		return "action_not_found"
	case errors.Is(err, download.ErrDownloadRenameFailed):
		return "download_rename_failed"
	case errors.Is(err, download.ErrDownloadTimeout):
		return "download_timeout"
	case errors.Is(err, download.ErrDownloadListing):
		return "download_listing_failed"
	case errors.Is(err, ErrNoDestinationConfigured):
		return "no_destination_configured"
	case errors.Is(err, ErrBusy):
		return "busy"
	}
	return "unknown"
}
