package poster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ledgersync/backend/internal/ledger"
	"github.com/ledgersync/backend/internal/models"
	"github.com/ledgersync/backend/internal/services"
	"github.com/ledgersync/backend/internal/store"
	"github.com/ledgersync/backend/internal/vault"
)

// ErrRunLocked means another posting run currently holds the advisory lock.
var ErrRunLocked = errors.New("another posting run is in progress")

type ScheduleSource interface {
	ListAll(ctx context.Context) ([]models.Schedule, error)
}

type EntrySource interface {
	ListUnposted(ctx context.Context) ([]models.JournalEntry, error)
	Get(ctx context.Context, id string) (models.JournalEntry, error)
	MarkPosted(ctx context.Context, id, externalJournalID string) error
}

type JournalPoster interface {
	PostJournal(ctx context.Context, tenantID, narration string, date time.Time, lines []ledger.JournalLine, alreadyPosted ledger.AlreadyPosted) (string, error)
}

type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RunReport summarizes one posting run.
type RunReport struct {
	Due                 int
	Posted              int
	Failed              int
	Skipped             int
	DisconnectedTenants []string
}

// Orchestrator is the single daily batch entry point. One invocation loads
// due entries and posts each one independently: a failure on one entry never
// aborts the rest, and one tenant's dead credential never blocks another
// tenant in the same run.
type Orchestrator struct {
	schedules ScheduleSource
	entries   EntrySource
	selector  *services.DueSelector
	poster    JournalPoster
	lock      Locker
	log       zerolog.Logger
}

func NewOrchestrator(schedules ScheduleSource, entries EntrySource, poster JournalPoster, lock Locker, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		schedules: schedules,
		entries:   entries,
		selector:  services.NewDueSelector(log),
		poster:    poster,
		lock:      lock,
		log:       log,
	}
}

// Run executes one posting pass for the given reference date. Only structural
// failures (storage unreachable, lock contention) return an error; individual
// posting failures are counted in the report. Because the due/posted state is
// re-derived from storage on every run, a killed process is safe: posted
// entries stay posted, the rest are picked up next time.
func (o *Orchestrator) Run(ctx context.Context, now time.Time) (RunReport, error) {
	if o.lock != nil {
		acquired, err := o.lock.Acquire(ctx)
		if err != nil {
			// A broken Redis only costs the overlap guard; the posted
			// flag re-check still prevents double posting.
			o.log.Warn().Err(err).Msg("run lock unavailable, continuing without it")
		} else if !acquired {
			return RunReport{}, ErrRunLocked
		} else {
			defer func() {
				if err := o.lock.Release(ctx); err != nil {
					o.log.Warn().Err(err).Msg("failed to release run lock")
				}
			}()
		}
	}

	schedules, err := o.schedules.ListAll(ctx)
	if err != nil {
		return RunReport{}, fmt.Errorf("failed to load schedules: %w", err)
	}
	entries, err := o.entries.ListUnposted(ctx)
	if err != nil {
		return RunReport{}, fmt.Errorf("failed to load journal entries: %w", err)
	}

	scheduleByID := make(map[string]models.Schedule, len(schedules))
	for _, schedule := range schedules {
		scheduleByID[schedule.ID] = schedule
	}

	due := o.selector.Due(now, entries)
	report := RunReport{Due: len(due)}

	o.log.Info().Time("run_date", now).Int("due", len(due)).Msg("posting run started")

	byTenant := make(map[string][]models.JournalEntry)
	for _, entry := range due {
		schedule, ok := scheduleByID[entry.ScheduleID]
		if !ok {
			o.log.Error().Str("entry_id", entry.ID).Str("schedule_id", entry.ScheduleID).
				Msg("journal entry references missing schedule")
			report.Failed++
			continue
		}
		byTenant[schedule.TenantID] = append(byTenant[schedule.TenantID], entry)
	}

	tenants := make([]string, 0, len(byTenant))
	for tenant := range byTenant {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		o.postForTenant(ctx, tenant, byTenant[tenant], scheduleByID, &report)
	}

	o.log.Info().
		Int("due", report.Due).
		Int("posted", report.Posted).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Strs("disconnected_tenants", report.DisconnectedTenants).
		Msg("posting run finished")

	return report, nil
}

func (o *Orchestrator) postForTenant(ctx context.Context, tenant string, entries []models.JournalEntry, scheduleByID map[string]models.Schedule, report *RunReport) {
	for i, entry := range entries {
		schedule := scheduleByID[entry.ScheduleID]

		err := o.postEntry(ctx, tenant, schedule, entry, report)
		if err == nil {
			continue
		}

		var credErr *vault.CredentialError
		if errors.As(err, &credErr) {
			// The tenant needs manual reconnection; none of its remaining
			// entries can post this run. Other tenants are unaffected.
			report.Skipped += len(entries) - i
			report.DisconnectedTenants = append(report.DisconnectedTenants, tenant)
			o.log.Warn().Str("tenant_id", tenant).Str("reason", credErr.Reason).
				Int("skipped_entries", len(entries)-i).
				Msg("tenant disconnected, skipping its remaining due entries")
			return
		}

		report.Failed++

		var rejection *ledger.RemoteRejectionError
		if errors.As(err, &rejection) {
			o.log.Error().Str("entry_id", entry.ID).Str("tenant_id", tenant).
				Int("status", rejection.StatusCode).Str("remote_payload", rejection.Body).
				Msg("ledger rejected journal entry, manual fix required")
			continue
		}

		o.log.Error().Err(err).Str("entry_id", entry.ID).Str("tenant_id", tenant).
			Msg("failed to post journal entry")
	}
}

func (o *Orchestrator) postEntry(ctx context.Context, tenant string, schedule models.Schedule, entry models.JournalEntry, report *RunReport) error {
	// Re-check the posted flag against storage right before posting: a
	// previous run may have died after posting but the remote ledger
	// already has the journal.
	fresh, err := o.entries.Get(ctx, entry.ID)
	if err != nil {
		return err
	}
	if fresh.Posted {
		o.log.Info().Str("entry_id", entry.ID).Str("external_journal_id", fresh.ExternalJournalID).
			Msg("entry already posted, skipping")
		return nil
	}

	lines, err := ledger.BuildJournalLines(schedule, entry)
	if err != nil {
		return err
	}

	// The client re-checks this before every backoff retry: a concurrent
	// run may post the entry while this one is waiting out a transient
	// failure.
	alreadyPosted := func(ctx context.Context) (bool, error) {
		current, err := o.entries.Get(ctx, entry.ID)
		if err != nil {
			return false, err
		}
		return current.Posted, nil
	}

	externalID, err := o.poster.PostJournal(ctx, tenant, ledger.Narration(schedule, entry), entry.PeriodDate, lines, alreadyPosted)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyPosted) {
			o.log.Info().Str("entry_id", entry.ID).Str("tenant_id", tenant).
				Msg("entry posted by a concurrent run during retry, skipping")
			return nil
		}
		return err
	}

	if err := o.entries.MarkPosted(ctx, entry.ID, externalID); err != nil {
		if errors.Is(err, store.ErrAlreadyPosted) {
			o.log.Error().Str("entry_id", entry.ID).Str("external_journal_id", externalID).
				Msg("entry was marked posted concurrently, remote journal may be duplicated")
			return err
		}
		return err
	}

	report.Posted++
	o.log.Info().Str("entry_id", entry.ID).Str("tenant_id", tenant).
		Str("external_journal_id", externalID).Str("amount", entry.Amount.String()).
		Msg("journal entry posted")
	return nil
}
