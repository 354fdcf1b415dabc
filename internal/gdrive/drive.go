// Package gdrive uploads exports to google drive folders.
package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stockexport-backend/internal/components/assert"
	"stockexport-backend/internal/components/telemetry"
	"stockexport-backend/internal/gauth"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("stockexport/gdrive")

const (
	report_client_upload = "client.upload"
	report_client_about  = "client.about"
)

const (
	DefaultApiUrl    = "https://www.googleapis.com"
	DefaultUploadUrl = "https://www.googleapis.com/upload"

	SpreadsheetMimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var ErrUploadFailed = errors.New("failed to upload file")

type UploadErrorKind string

const (
	KindPermission        UploadErrorKind = "permission"
	KindFolderNotFound    UploadErrorKind = "folder-not-found"
	KindCredentialExpired UploadErrorKind = "credential-expired"
	KindMissingFile       UploadErrorKind = "missing-file"
	KindOther             UploadErrorKind = "other"
)

// UploadError is an ErrUploadFailed with the reason it failed.
type UploadError struct {
	Kind   UploadErrorKind
	Status int
	Err    error
}

func (e *UploadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%s, status %d): %s", ErrUploadFailed, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", ErrUploadFailed, e.Kind, e.Err)
}

// Is also matches gauth.ErrCredentialExpired when drive rejected the credential itself.
func (e *UploadError) Is(target error) bool {
	if target == gauth.ErrCredentialExpired {
		return e.Kind == KindCredentialExpired
	}
	return target == ErrUploadFailed
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// TokenSource provides the credential every call is authorized with, it is implemented by
// *gauth.Manager.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (gauth.Credential, error)
}

type Config struct {
	ApiUrl    string `json:"api_url"`
	UploadUrl string `json:"upload_url"`
	// RequestsPerSecond bounds calls to drive, 0 means 2 per second.
	RequestsPerSecond float64 `json:"requests_per_second"`
}

// File is the subset of drive's file resource this service reads.
type File struct {
	Id          string   `json:"id"`
	Name        string   `json:"name"`
	MimeType    string   `json:"mimeType"`
	Parents     []string `json:"parents"`
	WebViewLink string   `json:"webViewLink"`
}

type fileMetadata struct {
	Name     string   `json:"name"`
	MimeType string   `json:"mimeType"`
	Parents  []string `json:"parents"`
}

type About struct {
	User struct {
		DisplayName  string `json:"displayName"`
		EmailAddress string `json:"emailAddress"`
	} `json:"user"`
	StorageQuota struct {
		Limit string `json:"limit"`
		Usage string `json:"usage"`
	} `json:"storageQuota"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

type Client struct {
	http   *resty.Client
	tokens TokenSource
	config Config
	tel    telemetry.API
}

func NewClient(config Config, tokens TokenSource, tel telemetry.API) *Client {
	assert.NotNil(tokens, "token source")

	if config.ApiUrl == "" {
		config.ApiUrl = DefaultApiUrl
	}
	if config.UploadUrl == "" {
		config.UploadUrl = DefaultUploadUrl
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 2
	}
	config.ApiUrl = strings.TrimSuffix(config.ApiUrl, "/")
	config.UploadUrl = strings.TrimSuffix(config.UploadUrl, "/")

	tel = telemetry.NewScopedAPI("gdrive", tel)

	httpClient := resty.New()
	httpClient.SetTimeout(time.Minute * 2)

	rateLimiter := rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 2)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})
	telemetry.InstrumentResty(httpClient, "stockexport/gdrive/http", tel)

	return &Client{
		http:   httpClient,
		tokens: tokens,
		config: config,
		tel:    tel,
	}
}

func tokenError(err error) *UploadError {
	if errors.Is(err, gauth.ErrCredentialExpired) {
		return &UploadError{Kind: KindCredentialExpired, Err: err}
	}
	return &UploadError{Kind: KindOther, Err: err}
}

func classifyResponse(status int, body []byte) *UploadError {
	var parsed apiError
	_ = json.Unmarshal(body, &parsed)

	message := parsed.Error.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	err := errors.New(message)

	switch {
	case strings.Contains(string(body), "invalid_grant") || status == 401:
		return &UploadError{Kind: KindCredentialExpired, Status: status, Err: err}
	case status == 403:
		return &UploadError{Kind: KindPermission, Status: status, Err: err}
	case status == 404:
		return &UploadError{Kind: KindFolderNotFound, Status: status, Err: err}
	}
	return &UploadError{Kind: KindOther, Status: status, Err: err}
}

func multipartRelated(metadata any, mimeType string, contents []byte) (string, []byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	metaPart, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/json; charset=UTF-8"},
	})
	if err != nil {
		return "", nil, err
	}
	err = json.NewEncoder(metaPart).Encode(metadata)
	if err != nil {
		return "", nil, err
	}

	mediaPart, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {mimeType},
	})
	if err != nil {
		return "", nil, err
	}
	_, err = mediaPart.Write(contents)
	if err != nil {
		return "", nil, err
	}

	err = writer.Close()
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("multipart/related; boundary=%s", writer.Boundary()), body.Bytes(), nil
}

// Upload creates a file named after the local file inside `folderId`. Every failure is an
// *UploadError.
func (c *Client) Upload(ctx context.Context, path, folderId string) (File, error) {
	ctx, span := tracer.Start(ctx, "client:Upload")
	defer span.End()

	file, err := c.upload(ctx, path, folderId)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.tel.ReportBroken(report_client_upload, err, path, folderId)
		return File{}, err
	}

	span.SetAttributes(attribute.String("file_id", file.Id))
	c.tel.ReportDebug("uploaded file", file.Name, file.Id)
	return file, nil
}

func (c *Client) upload(ctx context.Context, path, folderId string) (File, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return File{}, &UploadError{Kind: KindMissingFile, Err: err}
		}
		return File{}, &UploadError{Kind: KindOther, Err: err}
	}

	credential, err := c.tokens.EnsureValidToken(ctx)
	if err != nil {
		return File{}, tokenError(err)
	}

	contentType, body, err := multipartRelated(fileMetadata{
		Name:     filepath.Base(path),
		MimeType: SpreadsheetMimeType,
		Parents:  []string{folderId},
	}, SpreadsheetMimeType, contents)
	if err != nil {
		return File{}, &UploadError{Kind: KindOther, Err: fmt.Errorf("encode body: %w", err)}
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", credential.Authorization()).
		SetHeader("Content-Type", contentType).
		SetQueryParam("uploadType", "multipart").
		SetQueryParam("fields", "id,name,mimeType,parents,webViewLink").
		SetBody(body).
		Post(c.config.UploadUrl + "/drive/v3/files")
	if err != nil {
		return File{}, &UploadError{Kind: KindOther, Err: err}
	}
	if res.IsError() {
		return File{}, classifyResponse(res.StatusCode(), res.Body())
	}

	var file File
	err = json.Unmarshal(res.Body(), &file)
	if err != nil {
		return File{}, &UploadError{Kind: KindOther, Err: fmt.Errorf("unmarshal file: %w", err)}
	}
	return file, nil
}

// About returns the account the credential belongs to and its storage quota.
func (c *Client) About(ctx context.Context) (About, error) {
	ctx, span := tracer.Start(ctx, "client:About")
	defer span.End()

	credential, err := c.tokens.EnsureValidToken(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return About{}, err
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", credential.Authorization()).
		SetQueryParam("fields", "user,storageQuota").
		Get(c.config.ApiUrl + "/drive/v3/about")
	if err != nil {
		c.tel.ReportBroken(report_client_about, err)
		return About{}, err
	}
	if res.IsError() {
		classified := classifyResponse(res.StatusCode(), res.Body())
		err := fmt.Errorf("about (%s, status %d): %w", classified.Kind, classified.Status, classified.Err)
		c.tel.ReportBroken(report_client_about, err)
		return About{}, err
	}

	var about About
	err = json.Unmarshal(res.Body(), &about)
	if err != nil {
		c.tel.ReportBroken(report_client_about, fmt.Errorf("unmarshal about: %w", err))
		return About{}, err
	}
	return about, nil
}
