package model

import (
	"encoding/json"
	"time"
)

// SharingCategory selects which slice of a profile the owner shares after a
// match.
type SharingCategory string

const (
	SharingAll      SharingCategory = "all"
	SharingPersonal SharingCategory = "personal"
	SharingWork     SharingCategory = "work"
)

func ValidSharingCategory(c SharingCategory) bool {
	switch c {
	case SharingAll, SharingPersonal, SharingWork:
		return true
	}
	return false
}

type Profile struct {
	UserID        string          `db:"user_id" json:"userId"`
	Name          string          `db:"name" json:"name"`
	Title         string          `db:"title" json:"title,omitempty"`
	Company       string          `db:"company" json:"company,omitempty"`
	Email         string          `db:"email" json:"email,omitempty"`
	PersonalEmail string          `db:"personal_email" json:"personalEmail,omitempty"`
	Phone         string          `db:"phone" json:"phone,omitempty"`
	Socials       json.RawMessage `db:"socials" json:"socials,omitempty"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updatedAt"`
}

type UpsertProfileParams struct {
	UserID        string          `json:"userId"`
	Name          string          `json:"name"`
	Title         string          `json:"title"`
	Company       string          `json:"company"`
	Email         string          `json:"email"`
	PersonalEmail string          `json:"personalEmail"`
	Phone         string          `json:"phone"`
	Socials       json.RawMessage `json:"socials"`
}
