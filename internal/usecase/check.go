package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/medcheck/internal/imaging"
	"github.com/example/medcheck/internal/logging"
	"github.com/example/medcheck/internal/repository"
	"github.com/example/medcheck/internal/scoring"
	"github.com/example/medcheck/internal/verdict"
)

var (
	// ErrNotFound is returned when no check matches the request id for the caller.
	ErrNotFound = repository.ErrNotFound
	// ErrInProgress is returned for a check that has started but not finished.
	ErrInProgress = errors.New("check still in progress")
)

const (
	statusProcessing = "processing"
	statusDone       = "done"
	statusFailed     = "failed"
)

// Assessor scores an upload against the reference exemplars.
type Assessor interface {
	Assess(data []byte) (*scoring.Assessment, error)
}

// ArtifactStore retains raw uploads.
type ArtifactStore interface {
	Save(requestID string, label verdict.Label, format string, data []byte) (string, error)
	Open(name string) ([]byte, error)
	Remove(name string) error
}

// CheckRepository defines the persistence operations needed by the use case.
type CheckRepository interface {
	SaveRecord(ctx context.Context, record *repository.CheckRecord) error
	FindByRequestID(ctx context.Context, requestID, userID string) (*repository.CheckRecord, error)
	FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.CheckRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Metadata is caller-supplied pass-through data. None of it is interpreted or validated.
type Metadata struct {
	QRPayload       string `form:"qr_payload" json:"qr_payload" cbor:"qr,omitempty"`
	MedicineID      string `form:"medicine_id" json:"medicine_id" cbor:"mid,omitempty"`
	BatchNo         string `form:"batch_no" json:"batch_no" cbor:"batch,omitempty"`
	MedicineName    string `form:"medicine_name" json:"medicine_name" cbor:"name,omitempty"`
	Manufacturer    string `form:"manufacturer" json:"manufacturer" cbor:"mfr,omitempty"`
	ManufactureDate string `form:"manufacture_date" json:"manufacture_date" cbor:"mfd,omitempty"`
	ExpiryDate      string `form:"expiry_date" json:"expiry_date" cbor:"exp,omitempty"`
}

// CheckResult is what a caller sees for a completed check.
type CheckResult struct {
	RequestID    string
	Label        verdict.Label
	FusedReal    float64
	FusedFake    float64
	Assessment   *scoring.Assessment
	Metadata     Metadata
	ArtifactName string
	CheckedAt    time.Time
}

// DuplicateReport represents earlier checks of a byte-identical upload.
type DuplicateReport struct {
	Request    *repository.CheckRecord
	Duplicates []*repository.CheckRecord
}

type cachedCheck struct {
	Status       string    `cbor:"1,keyasint"`
	RequestID    string    `cbor:"2,keyasint,omitempty"`
	UserID       string    `cbor:"3,keyasint,omitempty"`
	Label        string    `cbor:"4,keyasint,omitempty"`
	FusedReal    float64   `cbor:"5,keyasint,omitempty"`
	FusedFake    float64   `cbor:"6,keyasint,omitempty"`
	Hash         string    `cbor:"7,keyasint,omitempty"`
	ArtifactName string    `cbor:"8,keyasint,omitempty"`
	Metadata     Metadata  `cbor:"9,keyasint"`
	CreatedAt    time.Time `cbor:"10,keyasint"`
}

var cborEncoding = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// CheckUseCase encapsulates the business logic of an authenticity check.
type CheckUseCase struct {
	repo           CheckRepository
	cache          Cache
	assessor       Assessor
	artifacts      ArtifactStore
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	pendingTTL     time.Duration
	resultTTL      time.Duration
	ioTimeout      time.Duration
	now            func() time.Time
}

// Option customises a CheckUseCase.
type Option func(*CheckUseCase)

// WithCacheTTL sets how long in-progress markers and finished results stay cached.
func WithCacheTTL(pending, result time.Duration) Option {
	return func(uc *CheckUseCase) {
		if pending > 0 {
			uc.pendingTTL = pending
		}
		if result > 0 {
			uc.resultTTL = result
		}
	}
}

// WithIOTimeout bounds each cache and database call. Scoring is not bounded.
func WithIOTimeout(d time.Duration) Option {
	return func(uc *CheckUseCase) {
		if d > 0 {
			uc.ioTimeout = d
		}
	}
}

// NewCheckUseCase constructs a new use case instance.
func NewCheckUseCase(repo CheckRepository, cache Cache, assessor Assessor, artifacts ArtifactStore, logger *zap.Logger, opts ...Option) *CheckUseCase {
	uc := &CheckUseCase{
		repo:           repo,
		cache:          cache,
		assessor:       assessor,
		artifacts:      artifacts,
		logger:         logger.Named("check_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		pendingTTL:     time.Minute,
		resultTTL:      5 * time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("check:%s", requestID)
}

func (uc *CheckUseCase) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if uc.ioTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, uc.ioTimeout)
}

// Check scores an upload, retains it and records the outcome. Undecodable
// uploads fail with imaging.ErrUnreadableImage, oversized ones with
// imaging.ErrImageTooLarge; neither leaves a record. Any failure after the
// processing marker is set turns the marker into a failed status.
func (uc *CheckUseCase) Check(ctx context.Context, userID string, imageBytes []byte, meta Metadata) (*CheckResult, error) {
	requestID := uuid.NewString()
	start := uc.now()
	opLogger := logging.WithOperation(uc.logger, "usecase.check", requestID)

	if err := uc.setCached(ctx, requestID, cachedCheck{Status: statusProcessing, RequestID: requestID, UserID: userID}, uc.pendingTTL, "cache.set.processing"); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err), zap.String("failed_operation", logging.OperationOf(err)))
		return nil, err
	}

	assessment, err := uc.assessor.Assess(imageBytes)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.assess", requestID, err)
		if errors.Is(err, imaging.ErrUnreadableImage) || errors.Is(err, imaging.ErrImageTooLarge) {
			opLogger.Warn("upload could not be decoded", zap.Error(wrapped), zap.Int("upload_size", len(imageBytes)))
		} else {
			opLogger.Error("assessment failed", zap.Error(wrapped))
		}
		uc.markFailed(ctx, requestID, userID, opLogger)
		return nil, wrapped
	}

	artifactName, err := uc.artifacts.Save(requestID, assessment.Label, assessment.Format, imageBytes)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.save_artifact", requestID, err)
		opLogger.Error("failed to retain upload", zap.Error(wrapped))
		uc.markFailed(ctx, requestID, userID, opLogger)
		return nil, wrapped
	}

	hash := sha256.Sum256(imageBytes)
	hashHex := hex.EncodeToString(hash[:])
	checkedAt := uc.now().UTC()
	record := &repository.CheckRecord{
		RequestID:           requestID,
		UserID:              userID,
		Label:               string(assessment.Label),
		FusedReal:           assessment.FusedReal(),
		FusedFake:           assessment.FusedFake(),
		StructuralReal:      assessment.Authentic.Structural,
		StructuralFake:      assessment.Counterfeit.Structural,
		FeatureReal:         assessment.Authentic.Feature,
		FeatureFake:         assessment.Counterfeit.Feature,
		ImageFormat:         assessment.Format,
		ImageWidth:          assessment.Width,
		ImageHeight:         assessment.Height,
		UploadSize:          len(imageBytes),
		SHA256Hash:          hashHex,
		ArtifactName:        artifactName,
		ProcessingLatencyMs: float64(checkedAt.Sub(start).Microseconds()) / 1000,
		QRPayload:           meta.QRPayload,
		MedicineID:          meta.MedicineID,
		BatchNo:             meta.BatchNo,
		MedicineName:        meta.MedicineName,
		Manufacturer:        meta.Manufacturer,
		ManufactureDate:     meta.ManufactureDate,
		ExpiryDate:          meta.ExpiryDate,
		CreatedAt:           checkedAt,
	}
	if err := uc.saveRecord(ctx, record); err != nil {
		wrapped := logging.NewOperationError("usecase.save_record", requestID, err)
		opLogger.Error("failed to persist check record", zap.Error(wrapped))
		if rerr := uc.artifacts.Remove(artifactName); rerr != nil {
			opLogger.Warn("failed to remove orphaned upload", zap.Error(rerr), zap.String("artifact", artifactName))
		}
		uc.markFailed(ctx, requestID, userID, opLogger)
		return nil, wrapped
	}

	cached := cachedCheck{
		Status:       statusDone,
		RequestID:    requestID,
		UserID:       userID,
		Label:        record.Label,
		FusedReal:    record.FusedReal,
		FusedFake:    record.FusedFake,
		Hash:         hashHex,
		ArtifactName: artifactName,
		Metadata:     meta,
		CreatedAt:    checkedAt,
	}
	if err := uc.setCached(ctx, requestID, cached, uc.resultTTL, "cache.set.result"); err != nil {
		// The record is already persisted; lookups fall back to the database.
		opLogger.Warn("failed to cache check result", zap.Error(err))
	}

	opLogger.Info("check completed",
		zap.String("label", record.Label),
		zap.Float64("fused_real", record.FusedReal),
		zap.Float64("fused_fake", record.FusedFake),
		zap.Float64("latency_ms", record.ProcessingLatencyMs),
	)

	return &CheckResult{
		RequestID:    requestID,
		Label:        assessment.Label,
		FusedReal:    record.FusedReal,
		FusedFake:    record.FusedFake,
		Assessment:   assessment,
		Metadata:     meta,
		ArtifactName: artifactName,
		CheckedAt:    checkedAt,
	}, nil
}

// GetResult returns a finished check, from cache when possible. userID scopes
// the lookup; an empty userID matches any owner.
func (uc *CheckUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.CheckRecord, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	payload, err := uc.getCached(ctx, requestID, "cache.get.result")
	switch {
	case err == nil && (userID == "" || payload.UserID == userID):
		switch payload.Status {
		case statusProcessing:
			return nil, ErrInProgress
		case statusFailed:
			return nil, ErrNotFound
		case statusDone:
			if verdict.Label(payload.Label).Valid() {
				return payload.record(), nil
			}
			opLogger.Warn("cached result carries unknown label", zap.String("label", payload.Label))
		default:
			opLogger.Warn("unexpected cached status", zap.String("status", payload.Status))
		}
	case err != nil && !errors.Is(err, ErrCacheMiss):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.findRecord(ctx, requestID, userID)
}

// GetDuplicateReport lists earlier checks of the same bytes by the same user.
func (uc *CheckUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	record, err := uc.findRecord(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}

	ioCtx, cancel := uc.ioContext(ctx)
	defer cancel()
	duplicates, err := uc.repo.FindDuplicatesByHash(ioCtx, record.UserID, record.SHA256Hash, record.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    record,
		Duplicates: duplicates,
	}, nil
}

// GetArtifact returns the retained upload of a finished check.
func (uc *CheckUseCase) GetArtifact(ctx context.Context, userID, requestID string) ([]byte, error) {
	record, err := uc.GetResult(ctx, userID, requestID)
	if err != nil {
		return nil, err
	}
	if record.ArtifactName == "" {
		return nil, ErrNotFound
	}
	data, err := uc.artifacts.Open(record.ArtifactName)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, logging.NewOperationError("usecase.open_artifact", requestID, err)
	}
	return data, nil
}

func (uc *CheckUseCase) markFailed(ctx context.Context, requestID, userID string, opLogger *zap.Logger) {
	failed := cachedCheck{Status: statusFailed, RequestID: requestID, UserID: userID}
	if err := uc.setCached(ctx, requestID, failed, uc.pendingTTL, "cache.set.failed"); err != nil {
		opLogger.Warn("failed to record failed status", zap.Error(err))
	}
}

func (uc *CheckUseCase) saveRecord(ctx context.Context, record *repository.CheckRecord) error {
	ioCtx, cancel := uc.ioContext(ctx)
	defer cancel()
	return uc.repo.SaveRecord(ioCtx, record)
}

func (uc *CheckUseCase) findRecord(ctx context.Context, requestID, userID string) (*repository.CheckRecord, error) {
	ioCtx, cancel := uc.ioContext(ctx)
	defer cancel()
	return uc.repo.FindByRequestID(ioCtx, requestID, userID)
}

func (c cachedCheck) record() *repository.CheckRecord {
	return &repository.CheckRecord{
		RequestID:       c.RequestID,
		UserID:          c.UserID,
		Label:           c.Label,
		FusedReal:       c.FusedReal,
		FusedFake:       c.FusedFake,
		SHA256Hash:      c.Hash,
		ArtifactName:    c.ArtifactName,
		QRPayload:       c.Metadata.QRPayload,
		MedicineID:      c.Metadata.MedicineID,
		BatchNo:         c.Metadata.BatchNo,
		MedicineName:    c.Metadata.MedicineName,
		Manufacturer:    c.Metadata.Manufacturer,
		ManufactureDate: c.Metadata.ManufactureDate,
		ExpiryDate:      c.Metadata.ExpiryDate,
		CreatedAt:       c.CreatedAt,
	}
}

func (uc *CheckUseCase) setCached(ctx context.Context, requestID string, value cachedCheck, ttl time.Duration, operation string) error {
	encoded, err := cborEncoding.Marshal(value)
	if err != nil {
		return logging.NewOperationError(operation, requestID, err)
	}
	ioCtx, cancel := uc.ioContext(ctx)
	defer cancel()
	return uc.withRedisRetry(ioCtx, requestID, operation, func() error {
		return uc.cache.Set(ioCtx, cacheKey(requestID), encoded, ttl)
	})
}

func (uc *CheckUseCase) getCached(ctx context.Context, requestID, operation string) (*cachedCheck, error) {
	ioCtx, cancel := uc.ioContext(ctx)
	defer cancel()
	var raw []byte
	err := uc.withRedisRetry(ioCtx, requestID, operation, func() error {
		value, err := uc.cache.Get(ioCtx, cacheKey(requestID))
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	var payload cachedCheck
	if err := cbor.Unmarshal(raw, &payload); err != nil {
		return nil, logging.NewOperationError(operation, requestID, err)
	}
	return &payload, nil
}

func (uc *CheckUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, ErrCacheMiss) {
			return err
		}

		if !repository.IsTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
