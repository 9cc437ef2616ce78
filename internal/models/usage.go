package models

type UsageCounter struct {
	Email       string `json:"email"`
	Family      string `json:"family"`
	Period      string `json:"period"`
	ReportCount int64  `json:"reportCount"`
	Limit       int64  `json:"limit"`
}
