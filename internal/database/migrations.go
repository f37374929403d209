package database

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/HexHive/privacyshield/internal/advert"
	"github.com/HexHive/privacyshield/internal/tags"
)

const (
	migrationImportLegacyTags    = "2024-02-01_import_legacy_airtags"
	migrationStripPayloadHeaders = "2024-03-01_strip_payload_headers"
	legacyTagsTable              = "airtags_legacy"
	legacyDataColumn             = "_data"
)

// legacyTimestampLayouts covers the naive DATETIME text written by the
// earlier relay server plus the RFC 3339 form the driver yields for
// DATETIME-typed columns.
var legacyTimestampLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05.999999",
	time.RFC3339Nano,
}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations := []migrationDefinition{
		{name: migrationImportLegacyTags, apply: importLegacyTags},
		{name: migrationStripPayloadHeaders, apply: stripPayloadHeaders},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db, logger); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

type legacyTag struct {
	ID        uint64  `gorm:"column:id"`
	Data      *string `gorm:"column:_data"`
	ValidFrom *string `gorm:"column:_valid_from"`
	ValidTo   *string `gorm:"column:_valid_to"`
}

func (legacyTag) TableName() string {
	return legacyTagsTable
}

// setAsideLegacyTable renames an airtags table in the earlier server's layout
// (_data, _valid_from, _valid_to) so the current schema can be created in its
// place. importLegacyTags then copies the rows across.
func setAsideLegacyTable(db *gorm.DB) error {
	migrator := db.Migrator()
	tableName := tags.Tag{}.TableName()
	if !migrator.HasTable(tableName) {
		return nil
	}
	columns, err := migrator.ColumnTypes(tableName)
	if err != nil {
		return err
	}
	legacy := false
	for _, column := range columns {
		if column.Name() == legacyDataColumn {
			legacy = true
			break
		}
	}
	if !legacy {
		return nil
	}
	if migrator.HasTable(legacyTagsTable) {
		return errors.New("database: legacy airtags table already set aside")
	}
	return migrator.RenameTable(tableName, legacyTagsTable)
}

// importLegacyTags copies rows from the set-aside legacy table, keeping their
// ids. Rows that do not hold a decodable advertisement or window are skipped.
// Legacy timestamps carry no zone and are read as UTC.
func importLegacyTags(db *gorm.DB, logger *zap.Logger) error {
	if !db.Migrator().HasTable(legacyTagsTable) {
		return nil
	}
	return db.Transaction(func(tx *gorm.DB) error {
		var legacy []legacyTag
		if err := tx.Order("id ASC").Find(&legacy).Error; err != nil {
			return err
		}

		imported := 0
		for _, row := range legacy {
			tag, ok := convertLegacyTag(row)
			if !ok {
				logger.Warn("skipping legacy tag", zap.Uint64("id", row.ID))
				continue
			}
			if err := tx.Create(&tag).Error; err != nil {
				return err
			}
			imported++
		}
		if err := tx.Migrator().DropTable(legacyTagsTable); err != nil {
			return err
		}
		logger.Info("legacy tags imported", zap.Int("imported", imported), zap.Int("skipped", len(legacy)-imported))
		return nil
	})
}

func convertLegacyTag(row legacyTag) (tags.Tag, bool) {
	if row.Data == nil || row.ValidFrom == nil || row.ValidTo == nil {
		return tags.Tag{}, false
	}
	payload, err := base64.StdEncoding.DecodeString(*row.Data)
	if err != nil {
		return tags.Tag{}, false
	}
	if len(payload) != advert.PayloadLength && len(payload) != advert.PayloadWithHeaderLength {
		return tags.Tag{}, false
	}
	validFrom, ok := parseLegacyTimestamp(*row.ValidFrom)
	if !ok {
		return tags.Tag{}, false
	}
	validTo, ok := parseLegacyTimestamp(*row.ValidTo)
	if !ok {
		return tags.Tag{}, false
	}
	return tags.Tag{
		ID:              row.ID,
		Data:            *row.Data,
		ValidFromMillis: validFrom.UnixMilli(),
		ValidToMillis:   validTo.UnixMilli(),
	}, true
}

func parseLegacyTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range legacyTimestampLayouts {
		parsed, err := time.Parse(layout, value)
		if err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

// stripPayloadHeaders rewrites rows stored with a PDU header in front of the
// advertisement. When the stripped payload already exists, the older row is
// kept, its window widened to cover both, and the duplicate is removed.
func stripPayloadHeaders(db *gorm.DB, _ *zap.Logger) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var stored []tags.Tag
		if err := tx.Order("id ASC").Find(&stored).Error; err != nil {
			return err
		}

		for _, tag := range stored {
			payload, err := tag.Payload()
			if err != nil || len(payload) != advert.PayloadWithHeaderLength {
				continue
			}
			stripped := base64.StdEncoding.EncodeToString(advert.StripHeader(payload))

			var survivor tags.Tag
			err = tx.Where("data = ?", stripped).Order("id ASC").Take(&survivor).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				if err := tx.Model(&tags.Tag{}).Where("id = ?", tag.ID).Update("data", stripped).Error; err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			survivor.ValidFromMillis = min(survivor.ValidFromMillis, tag.ValidFromMillis)
			survivor.ValidToMillis = max(survivor.ValidToMillis, tag.ValidToMillis)
			if err := tx.Save(&survivor).Error; err != nil {
				return err
			}
			if err := tx.Delete(&tags.Tag{}, tag.ID).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
