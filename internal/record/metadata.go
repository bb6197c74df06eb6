package record

import (
	"strconv"
	"time"

	"target-redshift/internal/catalog"
)

// Metadata columns prepended to every row when AddMetadataColumns is
// set. Declared in the fixed order they appear in the
// row.
const (
	ColExtractedAt  = "_SDC_EXTRACTED_AT"
	ColReceivedAt   = "_SDC_RECEIVED_AT"
	ColBatchedAt    = "_SDC_BATCHED_AT"
	ColDeletedAt    = "_SDC_DELETED_AT"
	ColSequence     = "_SDC_SEQUENCE"
	ColTableVersion = "_SDC_TABLE_VERSION"
)

// MetadataColumns returns the six fixed metadata columns in row order.
func MetadataColumns() []catalog.Column {
	return []catalog.Column{
		{Name: ColExtractedAt, Type: catalog.TypeTimestamp, Nullable: true},
		{Name: ColReceivedAt, Type: catalog.TypeTimestamp, Nullable: true},
		{Name: ColBatchedAt, Type: catalog.TypeTimestamp, Nullable: true},
		{Name: ColDeletedAt, Type: catalog.TypeTimestamp, Nullable: true},
		{Name: ColSequence, Type: catalog.TypeBigInt, Nullable: true},
		{Name: ColTableVersion, Type: catalog.TypeBigInt, Nullable: true},
	}
}

var metadataColumnNames = map[string]bool{
	ColExtractedAt:  true,
	ColReceivedAt:   true,
	ColBatchedAt:    true,
	ColDeletedAt:    true,
	ColSequence:     true,
	ColTableVersion: true,
}

// IsMetadataColumn reports whether name is one of the six fixed
// _SDC_* metadata columns.
func IsMetadataColumn(name string) bool {
	return metadataColumnNames[name]
}

// Metadata is the per-record metadata a RECORD message and engine clock
// supply when add_metadata_columns is enabled.
type Metadata struct {
	ExtractedAt  time.Time
	ReceivedAt   time.Time
	BatchedAt    time.Time
	DeletedAt    *time.Time
	Sequence     int64
	TableVersion int64
}

func (m Metadata) values() map[string]string {
	out := map[string]string{
		ColExtractedAt:  formatTimestamp(m.ExtractedAt),
		ColReceivedAt:   formatTimestamp(m.ReceivedAt),
		ColBatchedAt:    formatTimestamp(m.BatchedAt),
		ColSequence:     formatInt(m.Sequence),
		ColTableVersion: formatInt(m.TableVersion),
	}
	if m.DeletedAt != nil {
		out[ColDeletedAt] = formatTimestamp(*m.DeletedAt)
	} else {
		out[ColDeletedAt] = ""
	}
	return out
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
