package chrono

import (
	"context"
	"fmt"
	"strings"

	"stockexport-backend/internal/components/telemetry"

	"github.com/robfig/cron/v3"
)

const report_cron_job = "cron.job"

// CronAPI schedules recurring jobs.
type CronAPI interface {
	Cron(spec string, callback func()) error
}

// StandardCron runs jobs with robfig/cron in the local warehouse timezone. A job that is still
// running when its next tick comes around is skipped for that tick.
type StandardCron struct {
	cron *cron.Cron
	tel  telemetry.API
}

// NewStandardCron starts a scheduler that stops (waiting for running jobs) once ctx is done.
func NewStandardCron(ctx context.Context, tel telemetry.API) StandardCron {
	tel = telemetry.NewScopedAPI("chrono", tel)
	logger := cronLogger{tel: tel}
	c := cron.New(
		cron.WithLocation(hermosillo),
		cron.WithLogger(logger),
		cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		),
	)
	c.Start()
	context.AfterFunc(ctx, func() {
		<-c.Stop().Done()
	})
	return StandardCron{cron: c, tel: tel}
}

func (s StandardCron) Cron(spec string, callback func()) error {
	id, err := s.cron.AddFunc(spec, callback)
	if err != nil {
		return fmt.Errorf("schedule '%s': %w", spec, err)
	}
	s.tel.ReportDebug("scheduled job", spec, "next", s.cron.Entry(id).Next)
	return nil
}

// cronLogger adapts telemetry to cron.Logger.
type cronLogger struct {
	tel telemetry.API
}

func pairs(keysAndValues []any) string {
	var b strings.Builder
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	return b.String()
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.tel.ReportDebug("cron "+msg, pairs(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.tel.ReportBroken(report_cron_job, fmt.Errorf("%s: %w", msg, err), pairs(keysAndValues))
}
