package models

import (
	"time"
)

type AccessCode struct {
	Code        string     `json:"code"`
	Email       string     `json:"email"`
	CompanyName string     `json:"companyName,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UsedAt      *time.Time `json:"usedAt,omitempty"`
	Used        bool       `json:"used"`
}

type AccessToken struct {
	Token        string    `json:"token"`
	Email        string    `json:"email"`
	CustomerName string    `json:"customerName,omitempty"`
	Namespace    string    `json:"namespace"`
	CreatedAt    time.Time `json:"createdAt"`
}

// TokenPointer is the reverse index entry from a normalized email to its
// most recently issued token.
type TokenPointer struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}
