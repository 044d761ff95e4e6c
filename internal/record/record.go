// Package record defines the wire representation of cloud-sync deliveries
// and its conversion to and from the local relational schema.
//
// A CloudRecord is a tagged union keyed by operation type: the set of
// meaningful fields depends on Op, and Validate enforces the per-operation
// requirements. Batches arrive as JSONL files, one record per line.
package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cloudgallery/medialib/internal/store"
)

// OpType is the operation a cloud record describes.
type OpType string

const (
	// OpCreate delivers a remote asset unseen by this device.
	OpCreate OpType = "create"
	// OpModify updates metadata of an asset known by cloud id.
	OpModify OpType = "modify"
	// OpDelete propagates a remote deletion.
	OpDelete OpType = "delete"
	// OpCopy delivers a remote clone chained to a source asset.
	OpCopy OpType = "copy"
)

// CloudRecord is one entry of a cloud-sync batch.
type CloudRecord struct {
	Op      OpType `json:"op"`
	CloudID string `json:"cloud_id"`

	// Asset fields (create/modify/copy).
	Path        string `json:"path,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Size        int64  `json:"size,omitempty"`
	MediaType   int    `json:"media_type,omitempty"`

	// Album placement (create/copy). LPath matches albums across devices
	// when numeric/cloud ids differ.
	AlbumLPath string `json:"album_lpath,omitempty"`
	AlbumName  string `json:"album_name,omitempty"`

	// OriginalCloudID chains a copy back to its source (copy only).
	OriginalCloudID string `json:"original_cloud_id,omitempty"`

	// ModifiedAt is the remote mutation time in unix milliseconds.
	ModifiedAt int64 `json:"modified_at,omitempty"`
}

// Validate checks the per-operation field requirements.
func (r *CloudRecord) Validate() error {
	if r.CloudID == "" {
		return fmt.Errorf("cloud_id is required")
	}
	switch r.Op {
	case OpCreate:
		if r.Path == "" {
			return fmt.Errorf("create record requires path")
		}
	case OpModify:
		// Path optional: metadata-only modifies are common.
	case OpDelete:
		// Cloud id alone identifies the victim.
	case OpCopy:
		if r.Path == "" {
			return fmt.Errorf("copy record requires path")
		}
		if r.OriginalCloudID == "" {
			return fmt.Errorf("copy record requires original_cloud_id")
		}
	default:
		return fmt.Errorf("unknown op %q", r.Op)
	}
	return nil
}

// SetDefaults applies defaults for optional fields.
func (r *CloudRecord) SetDefaults() {
	if r.DisplayName == "" && r.Path != "" {
		r.DisplayName = filepath.Base(r.Path)
	}
	if r.MediaType == 0 {
		r.MediaType = int(store.MediaTypePhoto)
	}
	if r.ModifiedAt == 0 {
		r.ModifiedAt = time.Now().UnixMilli()
	}
}

// ToAsset converts a create/copy record into a new local asset row.
// Pulled content is cloud-resident until downloaded.
func (r *CloudRecord) ToAsset() *store.Asset {
	return &store.Asset{
		CloudID:         r.CloudID,
		Data:            r.Path,
		DisplayName:     r.DisplayName,
		Size:            r.Size,
		MediaType:       store.MediaType(r.MediaType),
		Position:        store.PositionCloud,
		Dirty:           store.DirtySynced,
		OriginalCloudID: r.OriginalCloudID,
		DateModified:    r.ModifiedAt,
	}
}

// ApplyTo overlays a modify record onto an existing asset row.
func (r *CloudRecord) ApplyTo(a *store.Asset) {
	if r.Path != "" {
		a.Data = r.Path
	}
	if r.DisplayName != "" {
		a.DisplayName = r.DisplayName
	}
	if r.Size > 0 {
		a.Size = r.Size
	}
	if r.MediaType != 0 {
		a.MediaType = store.MediaType(r.MediaType)
	}
	a.Dirty = store.DirtySynced
	a.DateModified = r.ModifiedAt
}

// FromAsset builds the wire record describing an asset for the given
// operation. This is the inverse of ToAsset/ApplyTo; the round trip is
// covered by tests.
func FromAsset(a *store.Asset, op OpType) *CloudRecord {
	return &CloudRecord{
		Op:              op,
		CloudID:         a.CloudID,
		Path:            a.Data,
		DisplayName:     a.DisplayName,
		Size:            a.Size,
		MediaType:       int(a.MediaType),
		OriginalCloudID: a.OriginalCloudID,
		ModifiedAt:      a.DateModified,
	}
}

// ReadBatch reads a JSONL batch file and returns the parsed records.
// Invalid records abort the read; a batch is applied all-or-not-parsed.
func ReadBatch(path string) ([]*CloudRecord, error) {
	// #nosec G304 - controlled path from the inbox watcher
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch file: %w", err)
	}
	defer file.Close()

	var records []*CloudRecord
	decoder := json.NewDecoder(file)
	lineNum := 0

	for decoder.More() {
		var rec CloudRecord
		if err := decoder.Decode(&rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++

		rec.SetDefaults()
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid record %d (%s): %w", lineNum, rec.CloudID, err)
		}
		records = append(records, &rec)
	}

	return records, nil
}

// WriteBatch writes records to a JSONL batch file atomically via a temp
// file, so a watcher never observes a half-written batch.
func WriteBatch(path string, records []*CloudRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create batch directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp batch file: %w", err)
	}

	enc := json.NewEncoder(file)
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			_ = file.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("cannot write invalid record %s: %w", rec.CloudID, err)
		}
		if err := enc.Encode(rec); err != nil {
			_ = file.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to encode record %s: %w", rec.CloudID, err)
		}
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize batch file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename batch file: %w", err)
	}

	return nil
}
