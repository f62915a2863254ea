package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// jsonValue: Go Struct -> JSON String (存入数据库)
func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// jsonScan: JSON String -> Go Struct (从数据库读取)
func jsonScan(value interface{}, dst interface{}) error {
	if value == nil {
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	if len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, dst)
}
