package entity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"atelier/internal/entity/common"
)

const (
	// ImageStatusCreating 表示任务已派发、结果未落库。
	ImageStatusCreating = "creating"
	// ImageStatusCompleted 表示生成成功，终态。
	ImageStatusCompleted = "completed"
	// ImageStatusFailed 表示生成失败，可被原位重试。
	ImageStatusFailed = "failed"
)

// CreationMetaVersion is the current schema version of the meta blob.
const CreationMetaVersion = 1

// CreationMeta is the structured record stored alongside every created image.
// It is written by the initiator at creation time and finalised by the job
// runner; every write site persists the full record so the shape cannot
// drift between the two.
type CreationMeta struct {
	Version       int            `json:"version"`
	CreationToken string         `json:"creation_token,omitempty"`
	ServerID      uint           `json:"server_id,omitempty"`
	ServerName    string         `json:"server_name,omitempty"`
	ServerURL     string         `json:"server_url,omitempty"`
	Method        string         `json:"method,omitempty"`
	MethodName    string         `json:"method_name,omitempty"`
	Args          common.JSONMap `json:"args,omitempty"`

	StartedAt time.Time `json:"started_at"`
	// TimeoutAt is computed once at creation time as started_at plus the
	// provider timeout plus a fixed buffer, so recovery never depends on
	// runtime timeout constants.
	TimeoutAt time.Time `json:"timeout_at"`

	CreditCost      float64 `json:"credit_cost"`
	CreditsRefunded bool    `json:"credits_refunded"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	Error       string     `json:"error,omitempty"`

	// History is the ordered list of prior image ids this row was derived
	// from. Retry preserves it; mutate appends the source id. It only grows.
	History    common.UintArray `json:"history,omitempty"`
	MutateOfID uint             `json:"mutate_of_id,omitempty"`
}

// Value 实现 driver.Valuer 接口。
func (m CreationMeta) Value() (driver.Value, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan 实现 sql.Scanner 接口。
func (m *CreationMeta) Scan(value interface{}) error {
	if value == nil {
		*m = CreationMeta{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			*m = CreationMeta{}
			return nil
		}
		return json.Unmarshal(v, m)
	case string:
		if v == "" {
			*m = CreationMeta{}
			return nil
		}
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported type for CreationMeta: %T", value)
	}
}

// Validate rejects meta records that would corrupt the lifecycle bookkeeping.
// Called at every write site.
func (m *CreationMeta) Validate() error {
	if m == nil {
		return fmt.Errorf("meta is nil")
	}
	if m.Version <= 0 {
		return fmt.Errorf("meta version is not set")
	}
	if m.ServerID == 0 {
		return fmt.Errorf("meta server_id is not set")
	}
	if m.Method == "" {
		return fmt.Errorf("meta method is not set")
	}
	if m.StartedAt.IsZero() {
		return fmt.Errorf("meta started_at is not set")
	}
	if m.TimeoutAt.IsZero() {
		return fmt.Errorf("meta timeout_at is not set")
	}
	if m.CreditCost < 0 {
		return fmt.Errorf("meta credit_cost is negative")
	}
	return nil
}

// TimedOut reports whether the attempt exceeded its recovery deadline.
func (m *CreationMeta) TimedOut(now time.Time) bool {
	if m == nil || m.TimeoutAt.IsZero() {
		return false
	}
	return now.After(m.TimeoutAt)
}

// PlaceholderFilename is stored until the runner uploads the real file.
const PlaceholderFilename = "placeholder.png"

// DbCreatedImage represents one user-requested provider invocation and its
// outcome. Rows are created in "creating" by the initiator after the debit
// and finalised by the job runner; aside from retry-in-place they are
// immutable history.
type DbCreatedImage struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID uint    `gorm:"column:user_id;index" json:"user_id"`
	User   *DbUser `gorm:"foreignKey:UserID" json:"-"`

	Filename string `gorm:"column:filename;type:varchar(255)" json:"filename"`
	URL      string `gorm:"column:url;type:text" json:"url"`
	Width    int    `gorm:"column:width" json:"width"`
	Height   int    `gorm:"column:height" json:"height"`
	Color    string `gorm:"column:color;type:varchar(32)" json:"color"`

	Status   string       `gorm:"column:status;type:varchar(32);index" json:"status"`
	IsPublic bool         `gorm:"column:is_public;default:false" json:"is_public"`
	Meta     CreationMeta `gorm:"column:meta;type:json" json:"meta"`
}

// TableName 指定表名。
func (DbCreatedImage) TableName() string {
	return "created_images"
}

// VisibleTo reports whether the row may be used as a mutation source by the
// given viewer.
func (img *DbCreatedImage) VisibleTo(userID uint, isAdmin bool) bool {
	if img == nil {
		return false
	}
	return img.UserID == userID || img.IsPublic || isAdmin
}

// ImageCompletion carries everything the runner persists on success.
type ImageCompletion struct {
	Filename string
	URL      string
	Width    int
	Height   int
	Color    string
	Meta     CreationMeta
}

// CreatedImageQuery supports listing created images with pagination.
type CreatedImageQuery struct {
	BaseParams
	UserID     uint   `json:"-" form:"-" query:"-"`
	IncludeAll bool   `json:"-" form:"-" query:"-"`
	Status     string `json:"status" form:"status" query:"status"`
}

// CreatedImageListResponse wraps a page of created images.
type CreatedImageListResponse struct {
	Images []DbCreatedImage `json:"images"`
	Meta   *Meta            `json:"meta"`
}
