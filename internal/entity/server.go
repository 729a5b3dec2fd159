package entity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ServerStatusActive   = "active"
	ServerStatusInactive = "inactive"
)

// DefaultMethodCredits is charged when a method does not declare a price.
const DefaultMethodCredits = 0.5

// ServerMethod describes one generation method a provider server exposes.
// Credits is a pointer so an explicit zero (a free method) is distinct from
// an absent price.
type ServerMethod struct {
	Credits     *float64 `json:"credits,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
}

// MethodCredits 返回积分指针，便于以字面量构造方法表。
func MethodCredits(v float64) *float64 {
	return &v
}

// MethodMap 以 JSON 格式存储服务器的方法表。
type MethodMap map[string]ServerMethod

// Value 实现 driver.Valuer 接口。
func (m MethodMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(map[string]ServerMethod(m))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan 实现 sql.Scanner 接口。
func (m *MethodMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			*m = MethodMap{}
			return nil
		}
		return json.Unmarshal(v, (*map[string]ServerMethod)(m))
	case string:
		if v == "" {
			*m = MethodMap{}
			return nil
		}
		return json.Unmarshal([]byte(v), (*map[string]ServerMethod)(m))
	default:
		return fmt.Errorf("unsupported type for MethodMap: %T", value)
	}
}

// CreditsFor returns the price of a method, falling back to the default
// when the method declares none. An explicit zero means the method is free.
func (m MethodMap) CreditsFor(method string) float64 {
	entry, ok := m[method]
	if !ok || entry.Credits == nil {
		return DefaultMethodCredits
	}
	if *entry.Credits < 0 {
		return 0
	}
	return *entry.Credits
}

// DbServer stores a registered provider server and its method catalogue.
type DbServer struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OwnerID uint    `gorm:"column:owner_id;index" json:"owner_id"`
	Owner   *DbUser `gorm:"foreignKey:OwnerID" json:"-"`

	Name      string    `gorm:"column:name;type:varchar(128);not null" json:"name"`
	ServerURL string    `gorm:"column:server_url;type:text;not null" json:"server_url"`
	AuthToken string    `gorm:"column:auth_token;type:text" json:"-"`
	Status    string    `gorm:"column:status;type:varchar(32);index;not null" json:"status"`
	Methods   MethodMap `gorm:"column:methods;type:json" json:"methods"`
}

// TableName 指定表名。
func (DbServer) TableName() string {
	return "servers"
}

// IsActive reports whether the server accepts new jobs.
func (s *DbServer) IsActive() bool {
	return s != nil && s.Status == ServerStatusActive
}
