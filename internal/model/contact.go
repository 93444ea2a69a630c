package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ContactVariables map[string]string

func (v ContactVariables) Value() (driver.Value, error) {
	if v == nil {
		return "{}", nil
	}
	return json.Marshal(v)
}

func (v *ContactVariables) Scan(src interface{}) error { return scanJSON(src, v) }

type Contact struct {
	ID        uuid.UUID        `json:"id" db:"id"`
	Name      string           `json:"name" db:"name"`
	Phone     string           `json:"phone" db:"phone"`
	Variables ContactVariables `json:"variables" db:"variables"`
	Active    bool             `json:"active" db:"active"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}
