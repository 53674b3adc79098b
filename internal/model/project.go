package model

import "time"

// Project is a real-estate project leads are sold under. AvailableLeads is a
// cached count of unsold leads maintained by upload reconciliation.
type Project struct {
	ID             string    `json:"id" yaml:"id"`
	Name           string    `json:"name" yaml:"name"`
	Region         string    `json:"region,omitempty" yaml:"region"`
	AvailableLeads int       `json:"available_leads" yaml:"available_leads"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"-"`
}
