/*
scheduler.go - Cron-driven billing scheduler

PURPOSE:
  Triggers the periodic billing jobs so nobody has to remember them:
  monthly invoice generation for every shop, and the daily fine and arrest
  jobs.

JOBS:
  invoices  (InvoiceSpec, default "0 1 1 * *")
            GenerateAllInvoices for the current period. A shop that already
            has the period's invoice fails with Duplicate and is reported,
            so a re-run is harmless.
  penalties (PenaltySpec, default "0 2 * * *")
            RunFineSweep, then RunArrestAction, then RunFineArrestAction.

DESIGN:
  - Specs are standard 5-field cron expressions, evaluated in UTC
  - A job still running when its next tick fires is skipped
  - Job failures are logged, never fatal

USAGE:
  scheduler := NewBillingScheduler(engine, logger)
  if err := scheduler.Start(); err != nil { ... }
  defer scheduler.Stop()

SEE ALSO:
  - handlers.go: RunScheduler endpoint (manual trigger)
  - billing/invoice.go, billing/fines.go: the jobs themselves
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/rent-ledger/billing"
	"github.com/warp/rent-ledger/ledger"
)

const (
	DefaultInvoiceSpec = "0 1 1 * *"
	DefaultPenaltySpec = "0 2 * * *"
)

type batchJob func(context.Context) (*billing.BatchResult, error)

// BillingScheduler runs the billing jobs on cron schedules.
type BillingScheduler struct {
	Engine      *billing.Engine
	InvoiceSpec string
	PenaltySpec string
	Enabled     bool
	// Clock picks the period for invoice generation.
	Clock func() time.Time

	log *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// NewBillingScheduler creates a scheduler with the default specs.
func NewBillingScheduler(engine *billing.Engine, log *zap.Logger) *BillingScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &BillingScheduler{
		Engine:      engine,
		InvoiceSpec: DefaultInvoiceSpec,
		PenaltySpec: DefaultPenaltySpec,
		Enabled:     true,
		Clock:       time.Now,
		log:         log.Named("billing.scheduler"),
	}
}

// Start registers the jobs and starts the cron runner. It fails if a spec
// does not parse.
func (s *BillingScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("scheduler disabled, not starting")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	logger := cronLogger{s.log.Sugar()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	entries := make(map[string]cron.EntryID, 2)
	for name, job := range map[string]struct {
		spec string
		run  func()
	}{
		"invoices":  {s.InvoiceSpec, func() { s.runInvoices(context.Background()) }},
		"penalties": {s.PenaltySpec, func() { s.runPenalties(context.Background()) }},
	} {
		id, err := c.AddFunc(job.spec, job.run)
		if err != nil {
			return err
		}
		entries[name] = id
	}

	s.cron = c
	s.entries = entries
	c.Start()

	s.log.Info("scheduler started",
		zap.String("invoice_spec", s.InvoiceSpec),
		zap.String("penalty_spec", s.PenaltySpec))
	return nil
}

// Stop stops the cron runner and waits for running jobs.
func (s *BillingScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.entries = nil
	s.log.Info("scheduler stopped")
}

// =============================================================================
// JOBS
// =============================================================================

// RunReport is the outcome of one RunNow.
type RunReport struct {
	Period     string                     `json:"period"`
	Generation []billing.GenerationResult `json:"generation"`
	FineSweep  *billing.BatchResult       `json:"fine_sweep,omitempty"`
	Arrest     *billing.BatchResult       `json:"arrest,omitempty"`
	FineArrest *billing.BatchResult       `json:"fine_arrest,omitempty"`
	Errors     []string                   `json:"errors,omitempty"`
}

// RunNow runs every job once, synchronously (for testing/admin).
func (s *BillingScheduler) RunNow(ctx context.Context) RunReport {
	report := s.runInvoices(ctx)
	penalties := s.runPenalties(ctx)
	report.FineSweep = penalties.FineSweep
	report.Arrest = penalties.Arrest
	report.FineArrest = penalties.FineArrest
	report.Errors = append(report.Errors, penalties.Errors...)
	return report
}

func (s *BillingScheduler) runInvoices(ctx context.Context) RunReport {
	period := ledger.PeriodOf(s.Clock()).String()
	report := RunReport{Period: period}

	results, err := s.Engine.GenerateAllInvoices(ctx, period)
	if err != nil {
		s.log.Error("invoice generation failed", zap.String("period", period), zap.Error(err))
		report.Errors = append(report.Errors, err.Error())
		return report
	}
	report.Generation = results

	generated, failed := 0, 0
	for _, res := range results {
		if res.Status == billing.ResultSuccess {
			generated++
			continue
		}
		failed++
		level := s.log.Warn
		if res.Kind == string(ledger.KindDuplicate) {
			level = s.log.Debug
		}
		level("invoice not generated",
			zap.String("shop_id", res.ShopID),
			zap.String("period", period),
			zap.String("error", res.Error))
	}
	s.log.Info("invoice generation completed",
		zap.String("period", period),
		zap.Int("generated", generated),
		zap.Int("failed", failed))
	return report
}

func (s *BillingScheduler) runPenalties(ctx context.Context) RunReport {
	var report RunReport
	for _, step := range []struct {
		name string
		run  batchJob
		dst  **billing.BatchResult
	}{
		{billing.JobFineSweep, s.Engine.RunFineSweep, &report.FineSweep},
		{billing.JobArrest, s.Engine.RunArrestAction, &report.Arrest},
		{billing.JobFineArrest, s.Engine.RunFineArrestAction, &report.FineArrest},
	} {
		res, err := step.run(ctx)
		if err != nil {
			s.log.Error("batch job failed", zap.String("job", step.name), zap.Error(err))
			report.Errors = append(report.Errors, step.name+": "+err.Error())
			continue
		}
		*step.dst = res
		s.log.Info("batch job completed",
			zap.String("job", step.name),
			zap.Int("escalated", res.EscalatedCount),
			zap.Int("fined", res.FinedCount),
			zap.Int("skipped", res.Skipped),
			zap.Int("failures", len(res.Failures)))
	}
	return report
}

// =============================================================================
// STATUS
// =============================================================================

type ScheduledJobDTO struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	NextRun time.Time `json:"next_run"`
	PrevRun time.Time `json:"prev_run,omitempty"`
}

type SchedulerStatusDTO struct {
	Enabled bool              `json:"enabled"`
	Running bool              `json:"running"`
	Jobs    []ScheduledJobDTO `json:"jobs"`
}

// Status reports the registered jobs and when they run next.
func (s *BillingScheduler) Status() SchedulerStatusDTO {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := SchedulerStatusDTO{Enabled: s.Enabled, Running: s.cron != nil, Jobs: []ScheduledJobDTO{}}
	if s.cron == nil {
		return status
	}
	specs := map[string]string{"invoices": s.InvoiceSpec, "penalties": s.PenaltySpec}
	for _, name := range []string{"invoices", "penalties"} {
		entry := s.cron.Entry(s.entries[name])
		status.Jobs = append(status.Jobs, ScheduledJobDTO{
			Name:    name,
			Spec:    specs[name],
			NextRun: entry.Next,
			PrevRun: entry.Prev,
		})
	}
	return status
}

// cronLogger routes cron's own logging into zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
