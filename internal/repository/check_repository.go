package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/medcheck/internal/logging"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("check record not found")

// CheckRecord is one persisted authenticity check.
type CheckRecord struct {
	ID        uint   `gorm:"primaryKey"`
	RequestID string `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID    string `gorm:"column:user_id;index;size:64"`
	Label     string `gorm:"column:label;index;size:16"`

	FusedReal           float64 `gorm:"column:fused_real"`
	FusedFake           float64 `gorm:"column:fused_fake"`
	StructuralReal      float64 `gorm:"column:structural_real"`
	StructuralFake      float64 `gorm:"column:structural_fake"`
	FeatureReal         float64 `gorm:"column:feature_real"`
	FeatureFake         float64 `gorm:"column:feature_fake"`
	ImageFormat         string  `gorm:"column:image_format;size:16"`
	ImageWidth          int     `gorm:"column:image_width"`
	ImageHeight         int     `gorm:"column:image_height"`
	UploadSize          int     `gorm:"column:upload_size"`
	SHA256Hash          string  `gorm:"column:sha256_hash;index;size:64"`
	ArtifactName        string  `gorm:"column:artifact_name;size:128"`
	ProcessingLatencyMs float64 `gorm:"column:processing_latency_ms"`

	QRPayload       string `gorm:"column:qr_payload;type:text"`
	MedicineID      string `gorm:"column:medicine_id;size:128"`
	BatchNo         string `gorm:"column:batch_no;size:128"`
	MedicineName    string `gorm:"column:medicine_name;size:256"`
	Manufacturer    string `gorm:"column:manufacturer;size:256"`
	ManufactureDate string `gorm:"column:manufacture_date;size:64"`
	ExpiryDate      string `gorm:"column:expiry_date;size:64"`

	CreatedAt time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (CheckRecord) TableName() string {
	return "check_records"
}

// MetricsAggregation is the raw aggregate over all records.
type MetricsAggregation struct {
	TotalCount                 int64
	AuthenticCount             int64
	LikelyFakeCount            int64
	SuspiciousCount            int64
	AverageFusedReal           float64
	AverageFusedFake           float64
	AverageProcessingLatencyMs float64
}

// CheckRepository provides persistence APIs for check records.
type CheckRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewCheckRepository creates a new repository instance.
func NewCheckRepository(db *gorm.DB, logger *zap.Logger) *CheckRepository {
	return &CheckRepository{
		db:             db,
		logger:         logger.Named("check_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *CheckRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&CheckRecord{})
}

// SaveRecord persists a check record.
func (r *CheckRepository) SaveRecord(ctx context.Context, record *CheckRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", record.RequestID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByRequestID retrieves a record by request id, restricted to userID when it is not empty.
func (r *CheckRepository) FindByRequestID(ctx context.Context, requestID, userID string) (*CheckRecord, error) {
	var record CheckRecord
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		q := r.db.WithContext(ctx).Where("request_id = ?", requestID)
		if userID != "" {
			q = q.Where("user_id = ?", userID)
		}
		err := q.First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FindDuplicatesByHash lists other checks of byte-identical uploads by the same user, newest first.
func (r *CheckRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*CheckRecord, error) {
	var records []*CheckRecord
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		records = nil
		return r.db.WithContext(ctx).
			Where("user_id = ? AND sha256_hash = ? AND request_id <> ?", userID, hash, excludeRequestID).
			Order("created_at DESC").
			Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AggregateMetrics computes label counts and score averages over all records.
func (r *CheckRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&CheckRecord{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN label = ? THEN 1 ELSE 0 END), 0) AS authentic_count,
				COALESCE(SUM(CASE WHEN label = ? THEN 1 ELSE 0 END), 0) AS likely_fake_count,
				COALESCE(SUM(CASE WHEN label = ? THEN 1 ELSE 0 END), 0) AS suspicious_count,
				COALESCE(AVG(fused_real), 0) AS average_fused_real,
				COALESCE(AVG(fused_fake), 0) AS average_fused_fake,
				COALESCE(AVG(processing_latency_ms), 0) AS average_processing_latency_ms`,
				"authentic", "likely_fake", "suspicious").
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *CheckRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !IsTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// IsTransientError reports timeouts and errors that declare themselves temporary.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
