package models

import "time"

// SessionRecord is one row of the local attach history.
type SessionRecord struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	FirstAttached time.Time `json:"first_attached"`
	LastAttached  time.Time `json:"last_attached"`
	LastPhase     string    `json:"last_phase"`
	AttachCount   int       `json:"attach_count"`
}

type HealthResponse struct {
	Status     string `json:"status"`
	Connection string `json:"connection"`
	LastError  string `json:"last_error,omitempty"`
	Views      int    `json:"views"`
}
