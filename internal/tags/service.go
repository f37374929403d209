package tags

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/HexHive/privacyshield/internal/advert"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "tags.service.new"
	opUpsert     = "tags.upsert"
	opGet        = "tags.get"
	opQuery      = "tags.query"
	opCount      = "tags.count"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Validity time.Duration
	Logger   *zap.Logger
}

// Service owns the tag table and the rotation cursor used by broadcasters.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	validity time.Duration
	logger   *zap.Logger

	upsertMu sync.Mutex

	rotationMu sync.Mutex
	rotation   rotationCursor
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	validity := cfg.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:       cfg.Database,
		clock:    clock,
		validity: validity,
		logger:   logger,
	}, nil
}

// Upsert records a sighting. A payload that is already stored keeps its
// identifier and has its window replaced; omitted bounds fall back to now and
// now plus the configured validity.
func (s *Service) Upsert(ctx context.Context, request UpsertRequest) (UpsertResult, error) {
	payload, err := advert.Normalize(request.Payload)
	if err != nil {
		return UpsertResult{}, newServiceError(opUpsert, "malformed_payload", err)
	}

	validFrom := s.clock().UTC()
	if request.ValidFrom != nil {
		validFrom = request.ValidFrom.UTC()
	}
	validTo := validFrom.Add(s.validity)
	if request.ValidTo != nil {
		validTo = request.ValidTo.UTC()
	}
	if validTo.Before(validFrom) {
		return UpsertResult{}, newServiceError(opUpsert, "invalid_window", ErrInvalidWindow)
	}

	key := payloadKey(payload)

	// SQLite ignores row locks, so concurrent first sightings are serialized here.
	s.upsertMu.Lock()
	defer s.upsertMu.Unlock()

	var result UpsertResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Tag
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("data = ?", key).
			Order("id ASC").
			Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created := Tag{
				Data:            key,
				ValidFromMillis: validFrom.UnixMilli(),
				ValidToMillis:   validTo.UnixMilli(),
			}
			if err := tx.Create(&created).Error; err != nil {
				s.logError(opUpsert, "tag_insert_failed", err)
				return newServiceError(opUpsert, "tag_insert_failed", err)
			}
			result = UpsertResult{Tag: created, Created: true}
			return nil
		case err != nil:
			s.logError(opUpsert, "tag_select_failed", err)
			return newServiceError(opUpsert, "tag_select_failed", err)
		}

		existing.ValidFromMillis = validFrom.UnixMilli()
		existing.ValidToMillis = validTo.UnixMilli()
		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opUpsert, "tag_save_failed", err, zap.Uint64("tag_id", existing.ID))
			return newServiceError(opUpsert, "tag_save_failed", err)
		}
		result = UpsertResult{Tag: existing}
		return nil
	})
	if txErr != nil {
		return UpsertResult{}, txErr
	}

	return result, nil
}

// Get returns the tag with the provided identifier.
func (s *Service) Get(ctx context.Context, id uint64) (Tag, error) {
	var tag Tag
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&tag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Tag{}, newServiceError(opGet, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.Uint64("tag_id", id))
		return Tag{}, newServiceError(opGet, "query_failed", err)
	}
	return tag, nil
}

// Query lists tags ordered by identifier. With OnlyValid, Rotate and a
// positive Limit it returns successive windows over the currently valid set,
// wrapping at the end, so repeated callers eventually see every valid tag.
func (s *Service) Query(ctx context.Context, options QueryOptions) ([]Tag, error) {
	if options.Limit < 0 {
		return nil, newServiceError(opQuery, "invalid_limit", ErrInvalidLimit)
	}

	nowMillis := s.clock().UnixMilli()
	if !options.rotating() {
		query := s.scope(s.db.WithContext(ctx), options.OnlyValid, nowMillis)
		if options.Limit > 0 {
			query = query.Limit(options.Limit)
		}
		var found []Tag
		if err := query.Find(&found).Error; err != nil {
			s.logError(opQuery, "query_failed", err)
			return nil, newServiceError(opQuery, "query_failed", err)
		}
		return found, nil
	}

	s.rotationMu.Lock()
	defer s.rotationMu.Unlock()

	var found []Tag
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var validCount int64
		if err := s.scope(tx, true, nowMillis).Model(&Tag{}).Count(&validCount).Error; err != nil {
			s.logError(opQuery, "count_failed", err)
			return newServiceError(opQuery, "count_failed", err)
		}

		count := int(validCount)
		start := s.rotation.advance(count, options.Limit)
		if count == 0 {
			found = []Tag{}
			return nil
		}

		if err := s.scope(tx, true, nowMillis).Offset(start).Limit(options.Limit).Find(&found).Error; err != nil {
			s.logError(opQuery, "query_failed", err, zap.Int("offset", start))
			return newServiceError(opQuery, "query_failed", err)
		}

		remaining := min(options.Limit, count) - len(found)
		if remaining > 0 {
			var wrapped []Tag
			if err := s.scope(tx, true, nowMillis).Limit(remaining).Find(&wrapped).Error; err != nil {
				s.logError(opQuery, "query_failed", err, zap.Int("offset", 0))
				return newServiceError(opQuery, "query_failed", err)
			}
			found = append(found, wrapped...)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	return found, nil
}

// CountValid returns the number of tags whose window contains now.
func (s *Service) CountValid(ctx context.Context) (int64, error) {
	var count int64
	err := s.scope(s.db.WithContext(ctx), true, s.clock().UnixMilli()).Model(&Tag{}).Count(&count).Error
	if err != nil {
		s.logError(opCount, "count_failed", err)
		return 0, newServiceError(opCount, "count_failed", err)
	}
	return count, nil
}

// RotationCursor reports the offset the next rotating query starts from.
func (s *Service) RotationCursor() int {
	s.rotationMu.Lock()
	defer s.rotationMu.Unlock()
	return int(s.rotation)
}

func (s *Service) scope(db *gorm.DB, onlyValid bool, nowMillis int64) *gorm.DB {
	query := db.Order("id ASC")
	if onlyValid {
		query = query.Where("valid_from_ms < ? AND valid_to_ms > ?", nowMillis, nowMillis)
	}
	return query
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("tags service error", attrs...)
}
