package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// RobotIDList robot ids stored in a JSON column
type RobotIDList []string

// Scan implements sql.Scanner interface
func (l *RobotIDList) Scan(value interface{}) error {
	var ids []string
	if err := scanJSON(value, &ids, "RobotIDList"); err != nil {
		return err
	}
	*l = ids
	return nil
}

// Value implements driver.Valuer interface
func (l RobotIDList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal([]string(l))
}

// VersionMap robot id to model version, stored in a JSON column
type VersionMap map[string]string

// Scan implements sql.Scanner interface
func (m *VersionMap) Scan(value interface{}) error {
	var versions map[string]string
	if err := scanJSON(value, &versions, "VersionMap"); err != nil {
		return err
	}
	*m = versions
	return nil
}

// Value implements driver.Valuer interface
func (m VersionMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(map[string]string(m))
}

// scanJSON decodes a driver value into dst; NULL leaves dst nil
func scanJSON(value interface{}, dst interface{}, typeName string) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("failed to unmarshal %s value: %v", typeName, value)
	}
	return json.Unmarshal(data, dst)
}
