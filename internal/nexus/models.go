package nexus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/nexussync/internal/jsonvalue"
)

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Conflict resolutions reported by the server.
const (
	ResolutionServerWins = "server_wins"
	ResolutionClientWins = "client_wins"
	ResolutionMerged     = "merged"
)

// Timestamp accepts ISO-8601 with or without fractional seconds and with or
// without a zone (zone-less values are UTC). It always encodes UTC RFC 3339.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func ParseTimestamp(raw string) (Timestamp, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return Timestamp{t.UTC()}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// AttachmentRef is declared on a pushed change.
type AttachmentRef struct {
	EntityID    string `json:"entity_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Checksum    string `json:"checksum"`
}

// PullAttachment points at bytes available for download.
type PullAttachment struct {
	Filename    string `json:"filename"`
	DownloadURL string `json:"download_url"`
}

type PushChange struct {
	DataCategory string           `json:"data_category"`
	EntityType   string           `json:"entity_type"`
	EntityID     string           `json:"entity_id"`
	PatientID    string           `json:"patient_id,omitempty"`
	Operation    Operation        `json:"operation"`
	Version      int64            `json:"version"`
	Data         jsonvalue.Object `json:"data"`
	Timestamp    Timestamp        `json:"timestamp"`
	Attachments  []AttachmentRef  `json:"attachments,omitempty"`
}

type PushRequest struct {
	DeviceID string       `json:"device_id"`
	Changes  []PushChange `json:"changes"`
}

type PullChange struct {
	DataCategory string           `json:"data_category"`
	EntityType   string           `json:"entity_type"`
	EntityID     string           `json:"entity_id"`
	PatientID    string           `json:"patient_id,omitempty"`
	Operation    Operation        `json:"operation"`
	Version      int64            `json:"version"`
	Data         jsonvalue.Object `json:"data"`
	Timestamp    Timestamp        `json:"timestamp"`
	Attachments  []PullAttachment `json:"attachments,omitempty"`
}

type AcceptedChange struct {
	EntityID string `json:"entity_id"`
	Version  int64  `json:"version"`
}

type Conflict struct {
	EntityID      string           `json:"entity_id"`
	EntityType    string           `json:"entity_type"`
	Resolution    string           `json:"resolution"`
	ServerVersion int64            `json:"server_version"`
	ServerData    jsonvalue.Object `json:"server_data,omitempty"`
	ClientData    jsonvalue.Object `json:"client_data,omitempty"`
}

type RejectedDeletion struct {
	EntityID string `json:"entity_id"`
	Reason   string `json:"reason"`
}

type ChangeError struct {
	EntityID  string `json:"entity_id"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type PendingUpload struct {
	EntityID  string `json:"entity_id"`
	Filename  string `json:"filename"`
	UploadURL string `json:"upload_url"`
}

type PushResponse struct {
	Accepted          []AcceptedChange   `json:"accepted"`
	Conflicts         []Conflict         `json:"conflicts"`
	RejectedDeletions []RejectedDeletion `json:"rejected_deletions"`
	Errors            []ChangeError      `json:"errors"`
	PendingUploads    []PendingUpload    `json:"pending_uploads"`
}

type PullResponse struct {
	Changes        []PullChange `json:"changes"`
	HasMore        bool         `json:"has_more"`
	NextVersion    *int64       `json:"next_version"`
	CurrentVersion int64        `json:"current_version"`
}

// Cursor is the version the next pull should start after.
func (r PullResponse) Cursor() int64 {
	if r.NextVersion != nil {
		return *r.NextVersion
	}
	return r.CurrentVersion
}

type UploadResult struct {
	EntityID         string `json:"entity_id"`
	Filename         string `json:"filename"`
	Stored           bool   `json:"stored"`
	ChecksumVerified bool   `json:"checksum_verified"`
}

type StatusResponse struct {
	ServerTimestamp       Timestamp  `json:"server_timestamp"`
	CurrentVersion        int64      `json:"current_version"`
	DeviceLastPush        *Timestamp `json:"device_last_push"`
	DeviceLastPullVersion int64      `json:"device_last_pull_version"`
}
