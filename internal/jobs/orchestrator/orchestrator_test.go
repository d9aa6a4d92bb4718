package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"outrider/internal/assignment"
	"outrider/internal/dedup"
	"outrider/internal/domain"
	"outrider/internal/health"
	"outrider/internal/jobs/checkpoint"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeLedger struct {
	assignCalls   int
	reassignCalls int
	assignErr     error
	reassignErr   error
	proxy         domain.Proxy
	replacement   domain.Proxy
	outcomes      []bool
}

func (f *fakeLedger) Assign(context.Context, uint) (*domain.Proxy, error) {
	f.assignCalls++
	if f.assignErr != nil {
		return nil, f.assignErr
	}
	return &f.proxy, nil
}

func (f *fakeLedger) Reassign(context.Context, uint, uint64, string) (*domain.Proxy, error) {
	f.reassignCalls++
	if f.reassignErr != nil {
		return nil, f.reassignErr
	}
	return &f.replacement, nil
}

func (f *fakeLedger) RecordOutcome(_ context.Context, _ uint, success bool, _ int64) error {
	f.outcomes = append(f.outcomes, success)
	return nil
}

type fakeHealth struct {
	verdicts    []health.Verdict
	verdictIdx  int
	ensured     []uint64
	outcomes    []bool
	failureKind domain.FailureKind
}

func (f *fakeHealth) EnsureRecord(_ context.Context, proxyID uint64, _ uint) error {
	f.ensured = append(f.ensured, proxyID)
	return nil
}

func (f *fakeHealth) IsHealthyForJob(context.Context, uint64, uint) (health.Verdict, error) {
	if f.verdictIdx >= len(f.verdicts) {
		return health.Verdict{Healthy: true}, nil
	}
	v := f.verdicts[f.verdictIdx]
	f.verdictIdx++
	return v, nil
}

func (f *fakeHealth) RecordOutcome(_ context.Context, _ uint64, _ uint, success bool, _ int64, fctx *domain.FailureContext) error {
	f.outcomes = append(f.outcomes, success)
	if fctx != nil {
		f.failureKind = fctx.Kind
	}
	return nil
}

type fakeDeduper struct {
	decision        dedup.Decision
	checkCalls      int
	checkedCampaign string
	recordedTarget  string
}

func (f *fakeDeduper) CheckAllowed(_ context.Context, _ uint, _ string, campaignID string) (dedup.Decision, error) {
	f.checkCalls++
	f.checkedCampaign = campaignID
	return f.decision, nil
}

func (f *fakeDeduper) RecordSuccess(_ context.Context, _ uint, targetURL, _ string) error {
	f.recordedTarget = targetURL
	return nil
}

type fakeCooldown struct {
	active    bool
	triggered []string
}

func (f *fakeCooldown) Active(context.Context, uint) (bool, string, time.Duration, error) {
	return f.active, "captcha detected", 30 * time.Minute, nil
}

func (f *fakeCooldown) Trigger(_ context.Context, _ uint, reason string, _ time.Duration) error {
	f.triggered = append(f.triggered, reason)
	return nil
}

type fakeNotifier struct {
	messages []string
	urgent   []bool
}

func (f *fakeNotifier) Send(_ context.Context, message string, urgent bool) {
	f.messages = append(f.messages, message)
	f.urgent = append(f.urgent, urgent)
}

// fakeSession scripts errors and scan results per stage.
type fakeSession struct {
	stepErrs map[string]error
	scans    map[string]domain.CheckpointEvent
	ran      []string
	closed   bool
}

func (f *fakeSession) step(stage string) error {
	f.ran = append(f.ran, stage)
	return f.stepErrs[stage]
}

func (f *fakeSession) Navigate(context.Context, string) error {
	return f.step(checkpoint.StagePostNavigation)
}
func (f *fakeSession) WaitSettled(context.Context) error {
	return f.step(checkpoint.StagePageSettle)
}
func (f *fakeSession) PerformAction(context.Context, string) error {
	return f.step(checkpoint.StageActionClick)
}
func (f *fakeSession) ConfirmAction(context.Context) error {
	return f.step(checkpoint.StageConfirmation)
}
func (f *fakeSession) Scan(stage string) domain.CheckpointEvent {
	return f.scans[stage]
}
func (f *fakeSession) Close() { f.closed = true }

type fixture struct {
	ledger   *fakeLedger
	health   *fakeHealth
	deduper  *fakeDeduper
	cooldown *fakeCooldown
	notifier *fakeNotifier
	session  *fakeSession
	openErr  error
	orch     *Orchestrator
}

func newFixture() *fixture {
	f := &fixture{
		ledger:   &fakeLedger{proxy: domain.Proxy{ID: 1}, replacement: domain.Proxy{ID: 2}},
		health:   &fakeHealth{},
		deduper:  &fakeDeduper{decision: dedup.Decision{Allowed: true}},
		cooldown: &fakeCooldown{},
		notifier: &fakeNotifier{},
		session:  &fakeSession{stepErrs: map[string]error{}, scans: map[string]domain.CheckpointEvent{}},
	}
	factory := SessionFactoryFunc(func(context.Context, *domain.Proxy, uint64) (Session, error) {
		if f.openErr != nil {
			return nil, f.openErr
		}
		return f.session, nil
	})
	f.orch = New(Config{CaptchaCooldown: time.Hour},
		f.ledger, f.health, f.deduper, f.cooldown, f.notifier, factory)
	return f
}

func testJob() domain.JobContext {
	return domain.JobContext{
		JobID:      100,
		UserID:     7,
		TargetURL:  "https://example.com/in/alice",
		CampaignID: "campaign-42",
		Message:    "hello",
	}
}

func TestExecuteSuccessPath(t *testing.T) {
	f := newFixture()

	result := f.orch.Execute(context.Background(), testJob())

	assert.True(t, result.Success)
	assert.Equal(t, uint64(1), result.ProxyID)
	assert.Equal(t, "https://example.com/in/alice", f.deduper.recordedTarget)
	assert.Equal(t, "campaign-42", f.deduper.checkedCampaign)
	require.Len(t, f.health.outcomes, 1)
	assert.True(t, f.health.outcomes[0])
	require.Len(t, f.ledger.outcomes, 1)
	assert.True(t, f.ledger.outcomes[0])
	assert.True(t, f.session.closed)
	assert.Len(t, f.session.ran, 4, "all four automation steps must run")
}

func TestCooldownGateSkipsBeforeAnyWork(t *testing.T) {
	f := newFixture()
	f.cooldown.active = true

	result := f.orch.Execute(context.Background(), testJob())

	assert.True(t, result.Skipped)
	assert.Equal(t, domain.FailureSkippedCooldown, result.Classification)
	assert.Equal(t, 0, f.deduper.checkCalls, "cooldown skip must precede dedup")
	assert.Equal(t, 0, f.ledger.assignCalls)
}

func TestDedupBlockNeverTouchesLedger(t *testing.T) {
	f := newFixture()
	f.deduper.decision = dedup.Decision{Allowed: false, Reason: dedup.ReasonCooldownActive}

	result := f.orch.Execute(context.Background(), testJob())

	assert.True(t, result.Skipped)
	assert.Equal(t, domain.FailureSkippedDuplicate, result.Classification)
	assert.Equal(t, 0, f.ledger.assignCalls)
	assert.Empty(t, f.health.outcomes, "skips must not count against any proxy")
}

func TestPermanentBlockClassification(t *testing.T) {
	f := newFixture()
	f.deduper.decision = dedup.Decision{Allowed: false, Reason: dedup.ReasonPermanentlyBlocked}

	result := f.orch.Execute(context.Background(), testJob())

	assert.Equal(t, domain.FailureDedupBlocked, result.Classification)
}

func TestPoolExhaustionEscalatesUrgently(t *testing.T) {
	f := newFixture()
	f.ledger.assignErr = assignment.ErrNoProxyAvailable

	result := f.orch.Execute(context.Background(), testJob())

	assert.Equal(t, domain.FailureNoProxyAvailable, result.Classification)
	require.Len(t, f.notifier.messages, 1)
	assert.True(t, f.notifier.urgent[0])
}

func TestUnhealthyProxyGetsOneReassignment(t *testing.T) {
	f := newFixture()
	f.health.verdicts = []health.Verdict{
		{Healthy: false, Reason: "too many consecutive failures: 2", AlternativeNeeded: true},
		{Healthy: true},
	}

	result := f.orch.Execute(context.Background(), testJob())

	assert.True(t, result.Success)
	assert.Equal(t, 1, f.ledger.reassignCalls)
	assert.Equal(t, uint64(2), result.ProxyID, "job must run on the replacement proxy")
	assert.Equal(t, []uint64{1, 2}, f.health.ensured)
}

func TestSecondUnhealthyVerdictFailsJob(t *testing.T) {
	f := newFixture()
	f.health.verdicts = []health.Verdict{
		{Healthy: false, Reason: "no health record found", AlternativeNeeded: true},
		{Healthy: false, Reason: "proxy status is inactive", AlternativeNeeded: true},
	}

	result := f.orch.Execute(context.Background(), testJob())

	assert.Equal(t, domain.FailureProxyUnhealthy, result.Classification)
	assert.Equal(t, 1, f.ledger.reassignCalls, "exactly one reassignment attempt")
	assert.False(t, f.session.closed, "no session may be opened for an unhealthy pair")
	assert.Len(t, f.session.ran, 0)
}

func TestCaptchaAtActionClickHaltsRemainingSteps(t *testing.T) {
	f := newFixture()
	f.session.scans[checkpoint.StageActionClick] = domain.CheckpointEvent{
		Detected:        true,
		Type:            checkpoint.TypeCaptcha,
		DetectionMethod: "dom_selector:.g-recaptcha",
		Stage:           checkpoint.StageActionClick,
	}

	result := f.orch.Execute(context.Background(), testJob())

	assert.Equal(t, domain.FailureCaptcha, result.Classification)
	assert.NotContains(t, f.session.ran, checkpoint.StageConfirmation,
		"confirmation step must not run after a detection")
	assert.True(t, f.session.closed)
	require.Len(t, f.cooldown.triggered, 1)
	require.Len(t, f.health.outcomes, 1)
	assert.False(t, f.health.outcomes[0])
	assert.Equal(t, domain.FailureCaptcha, f.health.failureKind)
	require.NotNil(t, result.Checkpoint)
	assert.Equal(t, checkpoint.StageActionClick, result.Checkpoint.Stage)
}

func TestBannedDetectionClassification(t *testing.T) {
	f := newFixture()
	f.session.scans[checkpoint.StagePostNavigation] = domain.CheckpointEvent{
		Detected: true,
		Type:     checkpoint.TypeAccountRestricted,
		Stage:    checkpoint.StagePostNavigation,
	}

	result := f.orch.Execute(context.Background(), testJob())

	assert.Equal(t, domain.FailureBanned, result.Classification)
	assert.Empty(t, f.cooldown.triggered, "only captchas engage the user cooldown")
	assert.Len(t, f.session.ran, 1)
}

func TestNavigationTimeoutClassification(t *testing.T) {
	f := newFixture()
	f.session.stepErrs[checkpoint.StagePostNavigation] = context.DeadlineExceeded

	result := f.orch.Execute(context.Background(), testJob())

	assert.Equal(t, domain.FailureTimeout, result.Classification)
	assert.True(t, f.session.closed)
	require.Len(t, f.ledger.outcomes, 1)
	assert.False(t, f.ledger.outcomes[0])
}

func TestConfirmFailureClassifiesAsInviteFailure(t *testing.T) {
	f := newFixture()
	f.session.stepErrs[checkpoint.StageConfirmation] = errors.New("confirmation element: not found")

	result := f.orch.Execute(context.Background(), testJob())

	assert.Equal(t, domain.FailureInvite, result.Classification)
}

// Rotation-triggering failures must be attributed to the assignment that ran
// the job, not the replacement the rotation creates. Uses the real ledger and
// evaluator so the rotation actually rebinds the user mid-recording.
func TestFailureLandsOnAssignmentThatRanTheJob(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Proxy{}, &domain.ProxyAssignment{},
		&domain.ProxyHealth{}, &domain.RotationRule{}))
	require.NoError(t, db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_one_active `+
			`ON proxy_assignments (user_id) WHERE active`).Error)

	proxyA := domain.Proxy{Endpoint: "10.0.0.1:8080", Protocol: "http",
		MaxConcurrentUsers: 2, Status: domain.ProxyStatusActive}
	proxyB := domain.Proxy{Endpoint: "10.0.0.2:8080", Protocol: "http",
		MaxConcurrentUsers: 2, Status: domain.ProxyStatusActive}
	require.NoError(t, db.Create(&proxyA).Error)
	require.NoError(t, db.Create(&proxyB).Error)
	require.NoError(t, db.Create(&domain.RotationRule{
		RuleName: "consecutive", Priority: 100,
		MaxConsecutiveFailures: 2, IsActive: true,
	}).Error)

	ledger := assignment.NewLedger(db)
	evaluator := health.NewEvaluator(db, health.DefaultConfig(), ledger, &fakeNotifier{})
	session := &fakeSession{
		stepErrs: map[string]error{
			checkpoint.StagePostNavigation: errors.New("net::ERR_TUNNEL_CONNECTION_FAILED"),
		},
		scans: map[string]domain.CheckpointEvent{},
	}
	orch := New(Config{CaptchaCooldown: time.Hour},
		ledger, evaluator,
		&fakeDeduper{decision: dedup.Decision{Allowed: true}},
		&fakeCooldown{}, &fakeNotifier{},
		SessionFactoryFunc(func(context.Context, *domain.Proxy, uint64) (Session, error) {
			return session, nil
		}))

	ctx := context.Background()
	// Two failing jobs: the second trips the consecutive-failure rule and
	// rotates the user onto proxy B.
	for i := 0; i < 2; i++ {
		result := orch.Execute(ctx, testJob())
		assert.Equal(t, domain.FailureNetwork, result.Classification)
		assert.Equal(t, proxyA.ID, result.ProxyID)
	}

	var onA domain.ProxyAssignment
	require.NoError(t, db.Where("proxy_id = ?", proxyA.ID).First(&onA).Error)
	assert.False(t, onA.Active, "rotation must have retired the original binding")
	assert.Equal(t, 2, onA.FailedJobs, "both failures belong to the assignment that ran them")
	assert.Equal(t, 2, onA.TotalJobsProcessed)

	var onB domain.ProxyAssignment
	require.NoError(t, db.Where("proxy_id = ? AND active = ?", proxyB.ID, true).First(&onB).Error)
	assert.Equal(t, uint(7), onB.UserID)
	assert.Zero(t, onB.FailedJobs, "the replacement starts with a clean slate")
	assert.Zero(t, onB.TotalJobsProcessed)
}

func TestSessionOpenFailureCountsAgainstProxy(t *testing.T) {
	f := newFixture()
	f.openErr = errors.New("launch browser: net::ERR_PROXY_CONNECTION_FAILED")

	result := f.orch.Execute(context.Background(), testJob())

	assert.Equal(t, domain.FailureNetwork, result.Classification)
	require.Len(t, f.health.outcomes, 1)
	assert.False(t, f.health.outcomes[0])
}
