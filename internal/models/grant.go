package models

import (
	"strings"
	"time"
)

type Grant struct {
	Email        string     `json:"email"`
	Family       string     `json:"family"`
	Tier         string     `json:"tier"`
	CustomerName string     `json:"customerName,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpgradedAt   *time.Time `json:"upgradedAt,omitempty"`
}

// NormalizeEmail is the single email normalization used by every lookup and
// write path, admin paths included.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail is a shape check only; deliverability is never verified.
func ValidEmail(email string) bool {
	at := strings.LastIndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
