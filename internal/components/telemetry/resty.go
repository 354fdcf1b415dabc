package telemetry

import (
	"context"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	report_resty_request  = "resty.request"
	report_resty_response = "resty.response"
)

type restyHooks struct {
	tel      API
	tracer   trace.Tracer
	duration metric.Float64Histogram
	seq      *atomic.Uint64
}

type restyCall struct {
	seq     uint64
	started time.Time
}

type restyCallKey struct{}

// InstrumentResty wraps every request of client in a span, records its duration and reports it
// to tel.
//
// Only the method, host and path of a request are reported, bodies and query strings carry
// tokens or whole spreadsheets.
func InstrumentResty(client *resty.Client, tracerName string, tel API) {
	duration, _ := otel.Meter(tracerName).Float64Histogram(
		"http.client.duration",
		metric.WithUnit("s"),
	)
	h := restyHooks{
		tel:      tel,
		tracer:   otel.Tracer(tracerName),
		duration: duration,
		seq:      new(atomic.Uint64),
	}
	client.OnBeforeRequest(h.before)
	client.OnAfterResponse(h.after)
	client.OnError(h.failed)
}

// redact drops the query string and userinfo of raw.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}
	u.RawQuery = ""
	u.User = nil
	u.Fragment = ""
	return u.String()
}

func (h restyHooks) before(_ *resty.Client, req *resty.Request) error {
	call := restyCall{seq: h.seq.Add(1), started: time.Now()}
	ctx, _ := h.tracer.Start(req.Context(), "http "+req.Method)
	req.SetContext(context.WithValue(ctx, restyCallKey{}, call))
	h.tel.ReportDebug(report_resty_request, call.seq, req.Method, redact(req.URL))
	return nil
}

func (h restyHooks) finish(ctx context.Context, req *resty.Request, status int) (restyCall, trace.Span) {
	span := trace.SpanFromContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("http.method", req.Method),
		attribute.String("http.url", redact(req.URL)),
	}
	if status > 0 {
		attrs = append(attrs, attribute.Int("http.status_code", status))
	}
	span.SetAttributes(attrs...)

	call, _ := ctx.Value(restyCallKey{}).(restyCall)
	if !call.started.IsZero() {
		h.duration.Record(ctx, time.Since(call.started).Seconds(), metric.WithAttributes(attrs...))
	}
	return call, span
}

func (h restyHooks) after(_ *resty.Client, res *resty.Response) error {
	call, span := h.finish(res.Request.Context(), res.Request, res.StatusCode())
	defer span.End()
	if res.IsError() {
		span.SetStatus(codes.Error, res.Status())
	}
	h.tel.ReportDebug(report_resty_response, call.seq, res.Status(), time.Since(call.started).String())
	return nil
}

func (h restyHooks) failed(req *resty.Request, err error) {
	call, span := h.finish(req.Context(), req, 0)
	defer span.End()
	span.RecordError(err)
	span.SetStatus(codes.Error, "request failed")
	h.tel.ReportWarning(report_resty_response, err, call.seq, req.Method, redact(req.URL))
}
