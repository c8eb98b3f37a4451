package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"trustcase-svc/internal/trust"
)

// JSONBTrustState wraps trust.TrustState for JSONB (Postgres) or TEXT (SQLite) storage
type JSONBTrustState struct {
	State *trust.TrustState
}

// Value implements the driver.Valuer interface for database storage
func (j JSONBTrustState) Value() (driver.Value, error) {
	if j.State == nil {
		return nil, errors.New("cannot store a nil trust state")
	}
	b, err := json.Marshal(j.State)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database retrieval
func (j *JSONBTrustState) Scan(value interface{}) error {
	bytes, err := scanBytes(value, "JSONBTrustState")
	if err != nil {
		return err
	}
	if bytes == nil {
		return errors.New("trust state column is NULL")
	}
	var st trust.TrustState
	if err := json.Unmarshal(bytes, &st); err != nil {
		return fmt.Errorf("decode trust state: %w", err)
	}
	j.State = &st
	return nil
}

// JSONBGeneric handles generic JSONB data
type JSONBGeneric map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONBGeneric) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(map[string]interface{}(j))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONBGeneric) Scan(value interface{}) error {
	bytes, err := scanBytes(value, "JSONBGeneric")
	if err != nil {
		return err
	}
	if bytes == nil {
		*j = nil
		return nil
	}

	var data map[string]interface{}
	if err := json.Unmarshal(bytes, &data); err != nil {
		return err
	}
	*j = JSONBGeneric(data)
	return nil
}

func scanBytes(value interface{}, target string) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot scan %T into %s", value, target)
	}
}
