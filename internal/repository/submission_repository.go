package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/palm-id/internal/retry"
)

// ErrNotFound is returned when no log exists for a request ID.
var ErrNotFound = errors.New("repository: submission not found")

// Submission kinds.
const (
	KindRecognition = "recognition"
	KindEnrollment  = "enrollment"
)

// SubmissionLog records the outcome of one submission. Images are never stored.
type SubmissionLog struct {
	ID        uint      `gorm:"primaryKey"`
	RequestID string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Owner     string    `gorm:"column:owner;index;size:64"`
	Kind      string    `gorm:"column:kind;size:16"`
	Username  string    `gorm:"column:username;size:128"`
	Status    int       `gorm:"column:status"`
	Success   bool      `gorm:"column:success"`
	Message   string    `gorm:"column:message;type:text"`
	ElapsedMs int64     `gorm:"column:elapsed_ms"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (SubmissionLog) TableName() string {
	return "submission_logs"
}

// SubmissionRepository persists submission outcomes.
type SubmissionRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retry.Policy
}

// NewSubmissionRepository creates a new repository instance.
func NewSubmissionRepository(db *gorm.DB, logger *zap.Logger) *SubmissionRepository {
	policy := retry.DefaultPolicy("database")
	policy.Expected = func(err error) bool { return errors.Is(err, ErrNotFound) }
	return &SubmissionRepository{
		db:     db,
		logger: logger.Named("submission_repository"),
		retry:  policy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *SubmissionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&SubmissionLog{})
}

// SaveLog persists a submission log entry.
func (r *SubmissionRepository) SaveLog(ctx context.Context, log *SubmissionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndOwner retrieves the log for a submission made by owner.
func (r *SubmissionRepository) FindByRequestIDAndOwner(ctx context.Context, requestID, owner string) (*SubmissionLog, error) {
	var log SubmissionLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		err := r.db.WithContext(ctx).First(&log, "request_id = ? AND owner = ?", requestID, owner).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// KindAggregate summarises the logs of one submission kind.
type KindAggregate struct {
	Kind             string  `gorm:"column:kind"`
	TotalCount       int64   `gorm:"column:total_count"`
	SuccessCount     int64   `gorm:"column:success_count"`
	AverageElapsedMs float64 `gorm:"column:average_elapsed_ms"`
}

// AggregateMetrics groups owner's submission logs by kind.
func (r *SubmissionRepository) AggregateMetrics(ctx context.Context, owner string) ([]KindAggregate, error) {
	var rows []KindAggregate
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		rows = nil
		return metricsQuery(r.db.WithContext(ctx), owner).Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func metricsQuery(tx *gorm.DB, owner string) *gorm.DB {
	return tx.Model(&SubmissionLog{}).
		Select("kind, COUNT(*) AS total_count, " +
			"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, " +
			"COALESCE(AVG(elapsed_ms), 0) AS average_elapsed_ms").
		Where("owner = ?", owner).
		Group("kind").
		Order("kind")
}

func (r *SubmissionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.retry, r.logger, operation, requestID, fn)
}
