package tags

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultValidity is the window length applied when an upsert omits valid_to.
const DefaultValidity = 24 * time.Hour

var (
	// ErrNotFound indicates that no tag exists for the requested identifier.
	ErrNotFound = errors.New("tags: not found")
	// ErrInvalidWindow indicates that valid_to precedes valid_from.
	ErrInvalidWindow = errors.New("tags: invalid validity window")
	// ErrInvalidLimit indicates a negative page size.
	ErrInvalidLimit = errors.New("tags: invalid limit")
)

// Tag models a deduplicated tracker advertisement and its validity window.
// Two tags are the same tag when their Data columns are equal.
type Tag struct {
	ID              uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Data            string `gorm:"column:data;type:text;not null;index:idx_airtags_data"`
	ValidFromMillis int64  `gorm:"column:valid_from_ms;not null;index:idx_airtags_window,priority:1"`
	ValidToMillis   int64  `gorm:"column:valid_to_ms;not null;index:idx_airtags_window,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Tag) TableName() string {
	return "airtags"
}

// Payload decodes the stored advertisement bytes.
func (t Tag) Payload() ([]byte, error) {
	return base64.StdEncoding.DecodeString(t.Data)
}

// ValidFrom returns the start of the validity window.
func (t Tag) ValidFrom() time.Time {
	return time.UnixMilli(t.ValidFromMillis).UTC()
}

// ValidTo returns the end of the validity window.
func (t Tag) ValidTo() time.Time {
	return time.UnixMilli(t.ValidToMillis).UTC()
}

// ValidFor returns the length of the validity window.
func (t Tag) ValidFor() time.Duration {
	return time.Duration(t.ValidToMillis-t.ValidFromMillis) * time.Millisecond
}

// IsValidAt reports whether now lies strictly inside the validity window.
func (t Tag) IsValidAt(now time.Time) bool {
	ms := now.UnixMilli()
	return t.ValidFromMillis < ms && ms < t.ValidToMillis
}

// payloadKey is the identity function used for deduplication.
func payloadKey(payload []byte) string {
	return base64.StdEncoding.EncodeToString(payload)
}

// UpsertRequest describes a sighting to record.
type UpsertRequest struct {
	Payload   []byte
	ValidFrom *time.Time
	ValidTo   *time.Time
}

// UpsertResult reports the stored tag and whether it was newly created.
type UpsertResult struct {
	Tag     Tag
	Created bool
}

// QueryOptions selects which tags Query returns.
type QueryOptions struct {
	OnlyValid bool
	Limit     int
	Rotate    bool
}

func (o QueryOptions) rotating() bool {
	return o.OnlyValid && o.Limit > 0 && o.Rotate
}

// FormatValidFor renders a duration the way the relay clients expect,
// e.g. "1 day, 0:00:00" or "0:30:00.250000".
func FormatValidFor(d time.Duration) string {
	micros := d.Microseconds()
	const microsPerDay = int64(24 * time.Hour / time.Microsecond)

	days := int64(math.Floor(float64(micros) / float64(microsPerDay)))
	rest := micros - days*microsPerDay

	hours := rest / int64(time.Hour/time.Microsecond)
	rest %= int64(time.Hour / time.Microsecond)
	minutes := rest / int64(time.Minute/time.Microsecond)
	rest %= int64(time.Minute / time.Microsecond)
	seconds := rest / int64(time.Second/time.Microsecond)
	fraction := rest % int64(time.Second/time.Microsecond)

	var builder strings.Builder
	if days != 0 {
		unit := "days"
		if days == 1 || days == -1 {
			unit = "day"
		}
		fmt.Fprintf(&builder, "%d %s, ", days, unit)
	}
	fmt.Fprintf(&builder, "%d:%02d:%02d", hours, minutes, seconds)
	if fraction != 0 {
		fmt.Fprintf(&builder, ".%06d", fraction)
	}
	return builder.String()
}
