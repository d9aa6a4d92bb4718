package health

import (
	"context"
	"fmt"
	"testing"
	"time"

	"outrider/internal/assignment"
	"outrider/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeReassigner struct {
	calls   int
	lastErr error
	proxy   domain.Proxy
}

func (f *fakeReassigner) Reassign(_ context.Context, _ uint, _ uint64, _ string) (*domain.Proxy, error) {
	f.calls++
	if f.lastErr != nil {
		return nil, f.lastErr
	}
	return &f.proxy, nil
}

type fakeNotifier struct {
	messages []string
	urgent   []bool
}

func (f *fakeNotifier) Send(_ context.Context, message string, urgent bool) {
	f.messages = append(f.messages, message)
	f.urgent = append(f.urgent, urgent)
}

func setupEvaluatorTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite database: %v", err)
	}

	if err := db.AutoMigrate(&domain.ProxyHealth{}, &domain.RotationRule{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}

	return db
}

func seedRule(t *testing.T, db *gorm.DB, rule domain.RotationRule) {
	t.Helper()
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("seed rotation rule: %v", err)
	}
}

func defaultTestRule() domain.RotationRule {
	return domain.RotationRule{
		RuleName:               "default_rotation",
		Priority:               100,
		MaxFailures24h:         5,
		MaxConsecutiveFailures: 2,
		MinSuccessRatePercent:  50,
		MaxResponseTimeMs:      30000,
		IsActive:               true,
	}
}

func TestConsecutiveFailuresDisableAndRotate(t *testing.T) {
	db := setupEvaluatorTestDB(t)
	seedRule(t, db, defaultTestRule())

	reassigner := &fakeReassigner{proxy: domain.Proxy{ID: 42}}
	notifier := &fakeNotifier{}
	evaluator := NewEvaluator(db, DefaultConfig(), reassigner, notifier)
	ctx := context.Background()

	require.NoError(t, evaluator.RecordOutcome(ctx, 1, 7, false, 1200, &domain.FailureContext{
		Kind: domain.FailureTimeout, ErrorMessage: "navigation timed out",
	}))
	require.NoError(t, evaluator.RecordOutcome(ctx, 1, 7, false, 900, &domain.FailureContext{
		Kind: domain.FailureNetwork, ErrorMessage: "connection reset",
	}))

	var record domain.ProxyHealth
	require.NoError(t, db.Where("proxy_id = ? AND user_id = ?", 1, 7).First(&record).Error)

	assert.Equal(t, domain.ProxyStatusInactive, record.Status)
	assert.NotNil(t, record.AutoDisabledAt)
	assert.Contains(t, record.AutoDisabledReason, "consecutive failure")
	assert.Equal(t, 1, reassigner.calls, "exactly one rotation per disable")
	require.Len(t, notifier.messages, 1)
	assert.False(t, notifier.urgent[0])
	assert.Contains(t, notifier.messages[0], "rotated")
}

func TestPoolExhaustionSendsUrgentNotification(t *testing.T) {
	db := setupEvaluatorTestDB(t)
	seedRule(t, db, defaultTestRule())

	reassigner := &fakeReassigner{lastErr: assignment.ErrNoProxyAvailable}
	notifier := &fakeNotifier{}
	evaluator := NewEvaluator(db, DefaultConfig(), reassigner, notifier)
	ctx := context.Background()

	require.NoError(t, evaluator.RecordOutcome(ctx, 5, 9, false, 0, nil))
	require.NoError(t, evaluator.RecordOutcome(ctx, 5, 9, false, 0, nil))

	require.Len(t, notifier.messages, 1)
	assert.True(t, notifier.urgent[0])
	assert.Contains(t, notifier.messages[0], "URGENT")
}

func TestSuccessOutcomesNeverDisable(t *testing.T) {
	db := setupEvaluatorTestDB(t)
	seedRule(t, db, defaultTestRule())

	reassigner := &fakeReassigner{}
	evaluator := NewEvaluator(db, DefaultConfig(), reassigner, &fakeNotifier{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, evaluator.RecordOutcome(ctx, 3, 4, true, 500, nil))
	}

	var record domain.ProxyHealth
	require.NoError(t, db.Where("proxy_id = ? AND user_id = ?", 3, 4).First(&record).Error)

	assert.Equal(t, domain.ProxyStatusActive, record.Status)
	assert.Equal(t, 10, record.SuccessCount)
	assert.Equal(t, 0, record.ConsecutiveFailures)
	assert.Equal(t, 0, reassigner.calls)
}

func TestSuccessResetsConsecutiveStreak(t *testing.T) {
	db := setupEvaluatorTestDB(t)
	seedRule(t, db, defaultTestRule())

	evaluator := NewEvaluator(db, DefaultConfig(), &fakeReassigner{}, &fakeNotifier{})
	ctx := context.Background()

	require.NoError(t, evaluator.RecordOutcome(ctx, 2, 2, false, 0, nil))
	require.NoError(t, evaluator.RecordOutcome(ctx, 2, 2, true, 400, nil))
	require.NoError(t, evaluator.RecordOutcome(ctx, 2, 2, false, 0, nil))

	var record domain.ProxyHealth
	require.NoError(t, db.Where("proxy_id = ? AND user_id = ?", 2, 2).First(&record).Error)

	assert.Equal(t, 1, record.ConsecutiveFailures)
	assert.Equal(t, domain.ProxyStatusActive, record.Status,
		"interleaved success keeps the streak below the rule threshold")
}

func TestSuccessRateRuleRequiresMinimumSample(t *testing.T) {
	db := setupEvaluatorTestDB(t)
	seedRule(t, db, domain.RotationRule{
		RuleName:              "rate_only",
		Priority:              100,
		MinSuccessRatePercent: 50,
		IsActive:              true,
	})

	reassigner := &fakeReassigner{proxy: domain.Proxy{ID: 8}}
	evaluator := NewEvaluator(db, DefaultConfig(), reassigner, &fakeNotifier{})
	ctx := context.Background()

	// 1 success, 3 failures: 25% rate but only 4 jobs, below the sample floor.
	require.NoError(t, evaluator.RecordOutcome(ctx, 6, 6, true, 300, nil))
	for i := 0; i < 3; i++ {
		require.NoError(t, evaluator.RecordOutcome(ctx, 6, 6, false, 0, nil))
	}
	assert.Equal(t, 0, reassigner.calls)

	// Fifth job crosses the floor and the 20% rate trips the rule.
	require.NoError(t, evaluator.RecordOutcome(ctx, 6, 6, false, 0, nil))
	assert.Equal(t, 1, reassigner.calls)
}

func TestRuleOrderHighestPriorityWins(t *testing.T) {
	db := setupEvaluatorTestDB(t)
	seedRule(t, db, domain.RotationRule{
		RuleName:               "low_priority",
		Priority:               10,
		MaxConsecutiveFailures: 1,
		IsActive:               true,
	})
	seedRule(t, db, domain.RotationRule{
		RuleName:               "high_priority",
		Priority:               200,
		MaxConsecutiveFailures: 1,
		IsActive:               true,
	})

	evaluator := NewEvaluator(db, DefaultConfig(), &fakeReassigner{}, &fakeNotifier{})
	ctx := context.Background()

	require.NoError(t, evaluator.RecordOutcome(ctx, 4, 4, false, 0, nil))

	var record domain.ProxyHealth
	require.NoError(t, db.Where("proxy_id = ? AND user_id = ?", 4, 4).First(&record).Error)
	assert.Contains(t, record.AutoDisabledReason, "high_priority")
}

func TestInactiveRulesAreIgnored(t *testing.T) {
	db := setupEvaluatorTestDB(t)
	rule := defaultTestRule()
	rule.IsActive = false
	seedRule(t, db, rule)

	reassigner := &fakeReassigner{}
	evaluator := NewEvaluator(db, DefaultConfig(), reassigner, &fakeNotifier{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, evaluator.RecordOutcome(ctx, 7, 7, false, 0, nil))
	}

	var record domain.ProxyHealth
	require.NoError(t, db.Where("proxy_id = ? AND user_id = ?", 7, 7).First(&record).Error)
	assert.Equal(t, domain.ProxyStatusActive, record.Status)
	assert.Equal(t, 0, reassigner.calls)
}

func TestIsHealthyForJobScenarios(t *testing.T) {
	db := setupEvaluatorTestDB(t)
	evaluator := NewEvaluator(db, DefaultConfig(), &fakeReassigner{}, &fakeNotifier{})
	ctx := context.Background()

	recent := time.Now().Add(-2 * time.Hour)
	stale := time.Now().Add(-48 * time.Hour)

	records := []domain.ProxyHealth{
		{ProxyID: 10, UserID: 1, Status: domain.ProxyStatusActive},
		{ProxyID: 11, UserID: 1, Status: domain.ProxyStatusInactive},
		{ProxyID: 12, UserID: 1, Status: domain.ProxyStatusActive, RecentFailureCount: 3},
		{ProxyID: 13, UserID: 1, Status: domain.ProxyStatusActive, ConsecutiveFailures: 2},
		{ProxyID: 14, UserID: 1, Status: domain.ProxyStatusActive, AutoDisabledAt: &recent},
		{ProxyID: 15, UserID: 1, Status: domain.ProxyStatusActive, AutoDisabledAt: &stale},
	}
	for i := range records {
		require.NoError(t, db.Create(&records[i]).Error)
	}

	cases := []struct {
		name    string
		proxyID uint64
		healthy bool
	}{
		{"clean record", 10, true},
		{"inactive status", 11, false},
		{"three recent failures", 12, false},
		{"two consecutive failures", 13, false},
		{"inside reuse embargo", 14, false},
		{"embargo expired", 15, true},
		{"missing record", 99, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, err := evaluator.IsHealthyForJob(ctx, tc.proxyID, 1)
			require.NoError(t, err)
			assert.Equal(t, tc.healthy, verdict.Healthy)
			if !tc.healthy {
				assert.True(t, verdict.AlternativeNeeded)
				assert.NotEmpty(t, verdict.Reason)
			}
		})
	}
}

func TestEvaluateReEnablesRecoveredPair(t *testing.T) {
	db := setupEvaluatorTestDB(t)
	seedRule(t, db, defaultTestRule())

	evaluator := NewEvaluator(db, DefaultConfig(), &fakeReassigner{}, &fakeNotifier{})
	ctx := context.Background()

	disabledAt := time.Now().Add(-30 * time.Hour)
	record := domain.ProxyHealth{
		ProxyID:            20,
		UserID:             3,
		Status:             domain.ProxyStatusInactive,
		SuccessCount:       50,
		RecentSuccessCount: 10,
		AutoDisabledAt:     &disabledAt,
		AutoDisabledReason: "exceeded consecutive failure limit",
	}
	require.NoError(t, db.Create(&record).Error)

	require.NoError(t, evaluator.Evaluate(ctx, 20, 3))

	var reloaded domain.ProxyHealth
	require.NoError(t, db.First(&reloaded, record.ID).Error)
	assert.Equal(t, domain.ProxyStatusActive, reloaded.Status)
	assert.Nil(t, reloaded.AutoDisabledAt)
	assert.Empty(t, reloaded.AutoDisabledReason)
	assert.Equal(t, 0, reloaded.ConsecutiveFailures)
}

func TestRecoverEligibleSweep(t *testing.T) {
	db := setupEvaluatorTestDB(t)
	evaluator := NewEvaluator(db, DefaultConfig(), &fakeReassigner{}, &fakeNotifier{})
	ctx := context.Background()

	expired := time.Now().Add(-48 * time.Hour)
	fresh := time.Now().Add(-1 * time.Hour)

	records := []domain.ProxyHealth{
		// Embargo expired, metrics clean: should recover.
		{ProxyID: 30, UserID: 1, Status: domain.ProxyStatusInactive,
			SuccessCount: 20, AutoDisabledAt: &expired},
		// Embargo expired but still failing: stays disabled.
		{ProxyID: 31, UserID: 1, Status: domain.ProxyStatusInactive,
			FailureCount: 20, RecentFailureCount: 20, ConsecutiveFailures: 5,
			AutoDisabledAt: &expired},
		// Embargo still running: untouched.
		{ProxyID: 32, UserID: 1, Status: domain.ProxyStatusInactive,
			SuccessCount: 20, AutoDisabledAt: &fresh},
	}
	for i := range records {
		require.NoError(t, db.Create(&records[i]).Error)
	}

	recovered, err := evaluator.RecoverEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	var statuses []domain.ProxyHealth
	require.NoError(t, db.Order("proxy_id ASC").Find(&statuses).Error)
	assert.Equal(t, domain.ProxyStatusActive, statuses[0].Status)
	assert.Equal(t, domain.ProxyStatusInactive, statuses[1].Status)
	assert.Equal(t, domain.ProxyStatusInactive, statuses[2].Status)
}

func TestSweepRecoversConsecutiveFailureDisable(t *testing.T) {
	db := setupEvaluatorTestDB(t)
	cfg := DefaultConfig()
	evaluator := NewEvaluator(db, cfg, &fakeReassigner{}, &fakeNotifier{})
	ctx := context.Background()

	// A 96%-successful pair disabled on a 2-failure streak. The streak and
	// the stale window are frozen at disable time; the sweep must judge the
	// decayed state, not the snapshot.
	disabledAt := time.Now().Add(-72 * time.Hour)
	windowStart := time.Now().Add(-72 * time.Hour)
	record := domain.ProxyHealth{
		ProxyID:               50,
		UserID:                4,
		Status:                domain.ProxyStatusInactive,
		SuccessCount:          50,
		FailureCount:          2,
		RecentFailureCount:    2,
		ConsecutiveFailures:   2,
		RecentWindowStartedAt: &windowStart,
		AutoDisabledAt:        &disabledAt,
		AutoDisabledReason:    "exceeded consecutive failure limit",
	}
	require.NoError(t, db.Create(&record).Error)

	recovered, err := evaluator.RecoverEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	var reloaded domain.ProxyHealth
	require.NoError(t, db.First(&reloaded, record.ID).Error)
	assert.Equal(t, domain.ProxyStatusActive, reloaded.Status)
	assert.Nil(t, reloaded.AutoDisabledAt)
	assert.Equal(t, 0, reloaded.ConsecutiveFailures)
	assert.Equal(t, 0, reloaded.RecentFailureCount, "stale window must roll off with the recovery")

	verdict, err := evaluator.IsHealthyForJob(ctx, 50, 4)
	require.NoError(t, err)
	assert.True(t, verdict.Healthy, "a recovered pair must pass the pre-flight gate")
}

func TestRecentWindowRollsOnExpiry(t *testing.T) {
	db := setupEvaluatorTestDB(t)
	cfg := DefaultConfig()
	evaluator := NewEvaluator(db, cfg, &fakeReassigner{}, &fakeNotifier{})
	ctx := context.Background()

	stale := time.Now().Add(-cfg.RecentWindow - time.Hour)
	record := domain.ProxyHealth{
		ProxyID:               40,
		UserID:                2,
		Status:                domain.ProxyStatusActive,
		SuccessCount:          5,
		RecentSuccessCount:    3,
		RecentFailureCount:    2,
		RecentWindowStartedAt: &stale,
	}
	require.NoError(t, db.Create(&record).Error)

	require.NoError(t, evaluator.RecordOutcome(ctx, 40, 2, true, 200, nil))

	var reloaded domain.ProxyHealth
	require.NoError(t, db.First(&reloaded, record.ID).Error)
	assert.Equal(t, 1, reloaded.RecentSuccessCount, "stale window counters reset before the new outcome")
	assert.Equal(t, 0, reloaded.RecentFailureCount)
	assert.Equal(t, 6, reloaded.SuccessCount, "lifetime counters keep accumulating")
}
