package model

import "time"

// RoomRecord stores one room's full JSON document. The room protocol is
// document-shaped, so the relational schema is a single keyed JSONB column
// rather than normalized player rows.
type RoomRecord struct {
	ID        string    `gorm:"size:64;primaryKey"`
	Data      []byte    `gorm:"type:jsonb;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}
