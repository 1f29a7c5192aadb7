package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ClearPeaks/knime-audit/config"
	"github.com/ClearPeaks/knime-audit/internal/domain/job"
	"github.com/ClearPeaks/knime-audit/internal/domain/model"
	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
	"github.com/ClearPeaks/knime-audit/internal/mocks"
	"github.com/ClearPeaks/knime-audit/internal/observability/notify"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
	"github.com/ClearPeaks/knime-audit/internal/testutil"
)

var jobCreated = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type publisherFunc func(ctx context.Context, ev model.AuditEvent) (string, error)

func (f publisherFunc) Publish(ctx context.Context, ev model.AuditEvent) (string, error) {
	return f(ctx, ev)
}

type backupFunc func(ctx context.Context, b *model.BackupBundle) (string, error)

func (f backupFunc) Write(ctx context.Context, b *model.BackupBundle) (string, error) {
	return f(ctx, b)
}

type incidentRecorder struct {
	mu        sync.Mutex
	incidents []notify.Incident
}

func (r *incidentRecorder) Notify(_ context.Context, in notify.Incident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, in)
}

type processorFixture struct {
	source      *mocks.MockJobSource
	outcomes    *mocks.MockOutcomeRepository
	deadLetters *mocks.MockDeadLetterRepository
	claims      *mocks.MockClaimStore
	notifier    *incidentRecorder
	metrics     *statsd.Recorder
	backupRoot  string

	mu       sync.Mutex
	events   []model.AuditEvent
	recorded []*model.Outcome

	opts ProcessorServiceOptions
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &processorFixture{
		source:      mocks.NewMockJobSource(ctrl),
		outcomes:    mocks.NewMockOutcomeRepository(ctrl),
		deadLetters: mocks.NewMockDeadLetterRepository(ctrl),
		claims:      mocks.NewMockClaimStore(ctrl),
		notifier:    &incidentRecorder{},
		metrics:     &statsd.Recorder{},
		backupRoot:  t.TempDir(),
	}
	f.opts = ProcessorServiceOptions{
		Source: f.source,
		Filter: NewArchiveFilterService(ArchiveFilterServiceOptions{Rules: testFilterRules(t)}),
		Backups: NewBackupWriterService(BackupWriterServiceOptions{
			Config: config.BackupConfig{Root: f.backupRoot},
			Now:    testutil.FixedTimeFunc(testutil.TestTime()),
		}),
		Publisher: publisherFunc(func(_ context.Context, ev model.AuditEvent) (string, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, ev)
			return model.DeliveryBus, nil
		}),
		Outcomes:    f.outcomes,
		DeadLetters: f.deadLetters,
		StageRetry:  fastRetry(t, 2),
		JobRetry:    fastRetry(t, 2),
		Notifier:    f.notifier,
		Metrics:     f.metrics,
		Now:         testutil.FixedTimeFunc(testutil.TestTime()),
	}
	return f
}

func (f *processorFixture) build(t *testing.T) *ProcessorService {
	t.Helper()
	svc, err := NewProcessorService(f.opts)
	require.NoError(t, err)
	return svc
}

func (f *processorFixture) expectNoOutcome() {
	f.outcomes.EXPECT().Get(gomock.Any(), "4471").
		Return(nil, apperrors.NotFoundf("outcome %s not found", "4471")).AnyTimes()
}

func (f *processorFixture) expectRecord() {
	f.outcomes.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, o *model.Outcome) (bool, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.recorded = append(f.recorded, o)
		return true, nil
	})
}

func (f *processorFixture) expectMetadata(t *testing.T) {
	t.Helper()
	raw := testutil.JobMetadataJSON("4471", "/wf/A", "EXECUTION_FINISHED", jobCreated)
	rec, err := model.ParseJobMetadata(raw, "4471")
	require.NoError(t, err)
	f.source.EXPECT().FetchMetadata(gomock.Any(), "4471").Return(&rec, raw, nil)
}

func detection() model.Detection {
	return model.Detection{JobID: "4471", DetectedAt: jobCreated.Add(2 * time.Minute), LogFile: "/var/log/knime.log", Offset: 120}
}

func stageStatuses(t *testing.T, o *model.Outcome) map[string]model.StageStatus {
	t.Helper()
	var reports []model.StageReport
	require.NoError(t, json.Unmarshal(o.Stages, &reports))
	out := map[string]model.StageStatus{}
	for _, r := range reports {
		out[r.Stage] = r.Status
	}
	return out
}

func TestNewProcessorService_Validation(t *testing.T) {
	_, err := NewProcessorService(ProcessorServiceOptions{})
	assert.Error(t, err)
}

func TestProcessor_EndToEnd(t *testing.T) {
	f := newProcessorFixture(t)
	f.opts.TriggerSwap = true
	f.expectNoOutcome()
	f.expectMetadata(t)
	f.source.EXPECT().TriggerSwap(gomock.Any(), "4471").Return(nil)
	f.source.EXPECT().FetchSummary(gomock.Any(), "4471").Return(testutil.WorkflowSummaryJSON("Table Creator", "CSV Reader"), nil)
	f.source.EXPECT().FetchArchive(gomock.Any(), "/wf/A").Return(sampleArchive(), nil)
	f.expectRecord()

	res, err := f.build(t).Process(context.Background(), detection())
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, model.OutcomeDelivered, res.Outcome.Status)
	assert.Equal(t, model.DeliveryBus, *res.Outcome.Delivery)
	assert.Equal(t, "4471@2024-03-01T10:00:00.000Z", *res.Outcome.EventKey)

	require.Len(t, f.events, 1)
	ev := f.events[0]
	assert.Equal(t, "4471", ev.JobID)
	assert.Equal(t, "/wf/A", ev.WorkflowPath)
	assert.Equal(t, "analyst", ev.User)
	assert.Equal(t, "EXECUTION_FINISHED", ev.State)
	assert.Equal(t, "2024-03-01T10:00:00.000Z", ev.Timestamp)
	assert.Equal(t, []string{"/data/in.csv"}, ev.Paths)
	assert.True(t, ev.Complete)
	assert.Equal(t, *res.Outcome.BackupPath, ev.AuditPath)

	m, err := ReadManifest(ev.AuditPath)
	require.NoError(t, err)
	assert.True(t, m.Complete)
	assert.Contains(t, m.Files, "4471.knwf")

	assert.Equal(t, map[string]model.StageStatus{
		"metadata": model.StageOK, "swap": model.StageOK, "summary": model.StageOK,
		"archive": model.StageOK, "filter": model.StageOK,
	}, stageStatuses(t, res.Outcome))
	assert.InDelta(t, 1, f.metrics.Sum("job.outcome", map[string]string{"status": "delivered"}), 0)
}

func TestProcessor_ArchiveGoneIsPartial(t *testing.T) {
	f := newProcessorFixture(t)
	f.expectNoOutcome()
	f.expectMetadata(t)
	f.source.EXPECT().FetchSummary(gomock.Any(), "4471").Return(testutil.WorkflowSummaryJSON("CSV Reader"), nil)
	f.source.EXPECT().FetchArchive(gomock.Any(), "/wf/A").Return(nil, apperrors.Gone(apperrors.StageArchive, "GET /repository"))
	f.expectRecord()

	res, err := f.build(t).Process(context.Background(), detection())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePartial, res.Outcome.Status)

	statuses := stageStatuses(t, res.Outcome)
	assert.Equal(t, model.StageGone, statuses["archive"])
	assert.Equal(t, model.StageSkipped, statuses["filter"])

	require.Len(t, f.events, 1)
	assert.False(t, f.events[0].Complete)
	assert.Empty(t, f.events[0].Paths)
	assert.FileExists(t, filepath.Join(f.events[0].AuditPath, JobSummaryFile))
}

func TestProcessor_MalformedMetadataKeepsRaw(t *testing.T) {
	f := newProcessorFixture(t)
	f.expectNoOutcome()
	raw := []byte(`<html>maintenance</html>`)
	f.source.EXPECT().FetchMetadata(gomock.Any(), "4471").
		Return(nil, nil, apperrors.Malformed(apperrors.StageMetadata, "GET /jobs/4471", raw, errors.New("invalid character")))
	f.source.EXPECT().FetchSummary(gomock.Any(), "4471").Return(testutil.WorkflowSummaryJSON("CSV Reader"), nil)
	f.expectRecord()

	res, err := f.build(t).Process(context.Background(), detection())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePartial, res.Outcome.Status)
	statuses := stageStatuses(t, res.Outcome)
	assert.Equal(t, model.StageFailed, statuses["metadata"])
	assert.Equal(t, model.StageSkipped, statuses["archive"])

	require.Len(t, f.events, 1)
	ev := f.events[0]
	assert.Empty(t, ev.WorkflowPath)
	assert.Equal(t, "2024-03-01T10:02:00Z", ev.Timestamp, "falls back to the detection time")
	got, err := os.ReadFile(filepath.Join(ev.AuditPath, "metadata.malformed"))
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestProcessor_AlreadyRecordedIsSkipped(t *testing.T) {
	f := newProcessorFixture(t)
	f.outcomes.EXPECT().Get(gomock.Any(), "4471").Return(&model.Outcome{JobID: "4471", Status: model.OutcomeDelivered}, nil)

	res, err := f.build(t).Process(context.Background(), detection())
	require.NoError(t, err)
	assert.Equal(t, SkipAlreadyRecorded, res.Skipped)
	assert.Nil(t, res.Outcome)
	assert.Empty(t, f.events)
}

func TestProcessor_InFlightIsSkipped(t *testing.T) {
	f := newProcessorFixture(t)
	inFlight := job.NewInFlight()
	require.True(t, inFlight.TryAcquire("4471"))
	f.opts.InFlight = inFlight

	res, err := f.build(t).Process(context.Background(), detection())
	require.NoError(t, err)
	assert.Equal(t, SkipInFlight, res.Skipped)
	assert.Equal(t, 1, inFlight.Len(), "the holder keeps its claim")
}

func TestProcessor_ClaimedElsewhereIsSkipped(t *testing.T) {
	f := newProcessorFixture(t)
	f.opts.Claims = f.claims
	f.claims.EXPECT().Claim(gomock.Any(), "4471", defaultClaimTTL).Return(false, nil)

	res, err := f.build(t).Process(context.Background(), detection())
	require.NoError(t, err)
	assert.Equal(t, SkipClaimedElsewhere, res.Skipped)
}

func TestProcessor_ClaimIsReleased(t *testing.T) {
	f := newProcessorFixture(t)
	f.opts.Claims = f.claims
	f.claims.EXPECT().Claim(gomock.Any(), "4471", defaultClaimTTL).Return(true, nil)
	f.claims.EXPECT().Release(gomock.Any(), "4471").Return(nil)
	f.outcomes.EXPECT().Get(gomock.Any(), "4471").Return(&model.Outcome{JobID: "4471"}, nil)

	_, err := f.build(t).Process(context.Background(), detection())
	require.NoError(t, err)
}

func TestProcessor_AuthFailureDeadLettersAndNotifies(t *testing.T) {
	f := newProcessorFixture(t)
	f.expectNoOutcome()
	f.source.EXPECT().FetchMetadata(gomock.Any(), "4471").
		Return(nil, nil, apperrors.Auth(apperrors.StageMetadata, "GET /jobs/4471", 401)).Times(1)
	f.deadLetters.EXPECT().Add(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, dl *model.DeadLetter) (*model.DeadLetter, error) {
		assert.Equal(t, "4471", dl.JobID)
		assert.Equal(t, apperrors.StageMetadata, dl.Stage)
		assert.Equal(t, string(apperrors.KindAuth), dl.Kind)
		assert.Equal(t, 1, dl.Attempts)
		return dl, nil
	})
	f.expectRecord()

	res, err := f.build(t).Process(context.Background(), detection())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeadLettered, res.Outcome.Status)
	assert.Empty(t, f.events)

	require.Len(t, f.notifier.incidents, 1)
	in := f.notifier.incidents[0]
	assert.Equal(t, notify.IncidentAuthFailure, in.Kind)
	assert.Equal(t, notify.SeverityCritical, in.Severity)
	assert.Equal(t, "4471", in.JobID)
}

func TestProcessor_StorageFailureRetriesJobThenDeadLetters(t *testing.T) {
	f := newProcessorFixture(t)
	f.expectNoOutcome()
	f.source.EXPECT().FetchMetadata(gomock.Any(), "4471").Return(nil, nil, apperrors.Gone(apperrors.StageMetadata, "GET")).Times(1)
	f.source.EXPECT().FetchSummary(gomock.Any(), "4471").Return(nil, apperrors.Gone(apperrors.StageSummary, "GET")).Times(1)

	var writes int
	f.opts.Backups = backupFunc(func(context.Context, *model.BackupBundle) (string, error) {
		writes++
		return "", apperrors.Storage(apperrors.StageBackup, "rename", errors.New("no space left on device"))
	})
	f.deadLetters.EXPECT().Add(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, dl *model.DeadLetter) (*model.DeadLetter, error) {
		assert.Equal(t, apperrors.StageBackup, dl.Stage)
		assert.Equal(t, string(apperrors.KindStorage), dl.Kind)
		assert.Equal(t, 2, dl.Attempts)
		assert.Contains(t, dl.LastError, "no space left")
		return dl, nil
	})
	f.expectRecord()

	res, err := f.build(t).Process(context.Background(), detection())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeadLettered, res.Outcome.Status)
	assert.Equal(t, 4, writes, "two stage attempts per job attempt")
	assert.Len(t, f.events, 0)
	require.Len(t, f.notifier.incidents, 1)
	assert.Equal(t, notify.IncidentDeadLetter, f.notifier.incidents[0].Kind)
}

func TestProcessor_JobRetryResumesAtFailedStep(t *testing.T) {
	f := newProcessorFixture(t)
	f.expectNoOutcome()
	f.expectMetadata(t)
	f.source.EXPECT().FetchSummary(gomock.Any(), "4471").Return(testutil.WorkflowSummaryJSON("CSV Reader"), nil)
	f.source.EXPECT().FetchArchive(gomock.Any(), "/wf/A").Return(sampleArchive(), nil)
	f.outcomes.EXPECT().Record(gomock.Any(), gomock.Any()).Return(false, errors.New("connection reset by peer")).Times(2)
	f.expectRecord()

	res, err := f.build(t).Process(context.Background(), detection())
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, model.OutcomeDelivered, res.Outcome.Status)
	assert.Equal(t, "4471@2024-03-01T10:00:00.000Z", *res.Outcome.EventKey)

	require.Len(t, f.events, 1, "the event is published once")
	assert.Equal(t, res.Outcome.EventKey, testutil.StringPtr(f.events[0].Key()))

	entries, err := os.ReadDir(f.backupRoot)
	require.NoError(t, err)
	require.Len(t, entries, 1, "one bundle per job")
	assert.Equal(t, filepath.Join(f.backupRoot, entries[0].Name()), *res.Outcome.BackupPath)
}

func TestProcessor_ArchiveTransientExhaustedIsPartial(t *testing.T) {
	f := newProcessorFixture(t)
	f.expectNoOutcome()
	f.expectMetadata(t)
	f.source.EXPECT().FetchSummary(gomock.Any(), "4471").Return(testutil.WorkflowSummaryJSON("CSV Reader"), nil)
	f.source.EXPECT().FetchArchive(gomock.Any(), "/wf/A").
		Return(nil, apperrors.Transient(apperrors.StageArchive, "GET /repository/wf/A:data", errors.New("503 Service Unavailable"))).Times(2)
	f.expectRecord()

	res, err := f.build(t).Process(context.Background(), detection())
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, model.OutcomePartial, res.Outcome.Status)

	statuses := stageStatuses(t, res.Outcome)
	assert.Equal(t, model.StageOK, statuses["metadata"])
	assert.Equal(t, model.StageOK, statuses["summary"])
	assert.Equal(t, model.StageFailed, statuses["archive"])
	assert.Equal(t, model.StageSkipped, statuses["filter"])

	require.Len(t, f.events, 1)
	assert.False(t, f.events[0].Complete)
	assert.Equal(t, "/wf/A", f.events[0].WorkflowPath)
}

func TestProcessor_DeadLetterErrorIsValidUTF8(t *testing.T) {
	f := newProcessorFixture(t)
	f.opts.JobRetry = fastRetry(t, 1)
	f.expectNoOutcome()
	f.source.EXPECT().FetchMetadata(gomock.Any(), "4471").Return(nil, nil, apperrors.Gone(apperrors.StageMetadata, "GET"))
	f.source.EXPECT().FetchSummary(gomock.Any(), "4471").Return(nil, apperrors.Gone(apperrors.StageSummary, "GET"))
	f.opts.Backups = backupFunc(func(context.Context, *model.BackupBundle) (string, error) {
		return "", apperrors.Storage(apperrors.StageBackup, "write", errors.New(strings.Repeat("é", 3000)))
	})
	f.deadLetters.EXPECT().Add(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, dl *model.DeadLetter) (*model.DeadLetter, error) {
		assert.LessOrEqual(t, len(dl.LastError), deadLetterErrorMaxLen)
		assert.True(t, utf8.ValidString(dl.LastError))
		return dl, nil
	})
	f.expectRecord()

	res, err := f.build(t).Process(context.Background(), detection())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeadLettered, res.Outcome.Status)
}

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{name: "short", in: "disk full", limit: 20, want: "disk full"},
		{name: "ascii cut", in: "abcdef", limit: 3, want: "abc"},
		{name: "cut inside rune", in: "aé", limit: 2, want: "a"},
		{name: "cut on boundary", in: "éé", limit: 2, want: "é"},
		{name: "invalid bytes dropped", in: "a\xffb", limit: 10, want: "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncateUTF8(tt.in, tt.limit))
		})
	}
}

func TestProcessor_DeadLetterStoreFailureIsReturned(t *testing.T) {
	f := newProcessorFixture(t)
	f.opts.JobRetry = fastRetry(t, 1)
	f.expectNoOutcome()
	f.source.EXPECT().FetchMetadata(gomock.Any(), "4471").Return(nil, nil, apperrors.Auth(apperrors.StageMetadata, "GET", 403))
	f.deadLetters.EXPECT().Add(gomock.Any(), gomock.Any()).Return(nil, errors.New("database is down"))

	res, err := f.build(t).Process(context.Background(), detection())
	require.Error(t, err)
	assert.Nil(t, res.Outcome)
	assert.Empty(t, f.notifier.incidents)
}

func TestProcessor_OutboxDelivery(t *testing.T) {
	f := newProcessorFixture(t)
	f.expectNoOutcome()
	f.expectMetadata(t)
	f.source.EXPECT().FetchSummary(gomock.Any(), "4471").Return(testutil.WorkflowSummaryJSON("CSV Reader"), nil)
	f.source.EXPECT().FetchArchive(gomock.Any(), "/wf/A").Return(sampleArchive(), nil)
	f.opts.Publisher = publisherFunc(func(context.Context, model.AuditEvent) (string, error) {
		return model.DeliveryOutbox, nil
	})
	f.expectRecord()

	res, err := f.build(t).Process(context.Background(), detection())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDelivered, res.Outcome.Status)
	assert.Equal(t, model.DeliveryOutbox, *res.Outcome.Delivery)
}

func TestProcessor_SwapFailureIsBestEffort(t *testing.T) {
	f := newProcessorFixture(t)
	f.opts.TriggerSwap = true
	f.expectNoOutcome()
	f.expectMetadata(t)
	f.source.EXPECT().TriggerSwap(gomock.Any(), "4471").
		Return(apperrors.Transient(apperrors.StageSwap, "PUT /jobs/4471/swap", errors.New("502"))).Times(2)
	f.source.EXPECT().FetchSummary(gomock.Any(), "4471").Return(testutil.WorkflowSummaryJSON("CSV Reader"), nil)
	f.source.EXPECT().FetchArchive(gomock.Any(), "/wf/A").Return(sampleArchive(), nil)
	f.expectRecord()

	res, err := f.build(t).Process(context.Background(), detection())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDelivered, res.Outcome.Status)
	assert.Equal(t, model.StageSkipped, stageStatuses(t, res.Outcome)["swap"])
}

func TestProcessor_CanceledLeavesNoOutcome(t *testing.T) {
	f := newProcessorFixture(t)
	f.expectNoOutcome()
	ctx, cancel := context.WithCancel(context.Background())
	f.source.EXPECT().FetchMetadata(gomock.Any(), "4471").DoAndReturn(func(context.Context, string) (*model.JobRecord, []byte, error) {
		cancel()
		return nil, nil, apperrors.Transient(apperrors.StageMetadata, "GET", context.Canceled)
	})

	res, err := f.build(t).Process(ctx, detection())
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res.Outcome)
	assert.Empty(t, f.events)
}

func TestBuildAuditEvent_FailedJob(t *testing.T) {
	raw := testutil.JobMetadataJSON("4471", "/wf/A", "EXECUTION_FAILED", jobCreated)
	rec, err := model.ParseJobMetadata(raw, "")
	require.NoError(t, err)

	ev := buildAuditEvent(&model.BackupBundle{
		Detection: detection(),
		Record:    &rec,
		Stages:    []model.StageReport{{Stage: "metadata", Status: model.StageOK}},
	}, "/backup/4471")
	assert.Equal(t, "Execute failed: file not found", ev.ErrorMessage)
	assert.Equal(t, "EXECUTION_FAILED", ev.State)
	assert.Equal(t, "/backup/4471", ev.AuditPath)
	assert.True(t, ev.Complete)
}
