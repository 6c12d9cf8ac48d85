package models

import "time"

// EnrollmentStatus is the state of one recipient's progress through a series
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
)

// Series is an ordered drip sequence. It is a template and is never scheduled itself.
type Series struct {
	ID        string       `json:"id"`
	OwnerID   string       `json:"owner_id,omitempty"`
	Name      string       `json:"name"`
	Active    bool         `json:"active"`
	Steps     []SeriesStep `json:"steps"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SeriesStep is one message of a series.
// The delay is relative to the previous step's send time, or enrollment for step 0.
type SeriesStep struct {
	StepOrder  int      `json:"step_order"`
	Channel    Channel  `json:"channel"`
	Subject    string   `json:"subject,omitempty"`
	Content    string   `json:"content"`
	Media      []string `json:"media,omitempty"`
	DelayDays  int      `json:"delay_days"`
	DelayHours int      `json:"delay_hours"`
}

// Delay returns the configured offset of the step
func (s SeriesStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// Step returns the step with the given order
func (s *Series) Step(order int) (SeriesStep, bool) {
	for _, st := range s.Steps {
		if st.StepOrder == order {
			return st, true
		}
	}
	return SeriesStep{}, false
}

// SeriesEnrollment tracks one recipient through a series
type SeriesEnrollment struct {
	ID             string           `json:"id"`
	SeriesID       string           `json:"series_id"`
	Recipient      RecipientRef     `json:"recipient"`
	CurrentStep    int              `json:"current_step"`
	Status         EnrollmentStatus `json:"status"`
	NextStepAt     *time.Time       `json:"next_step_at,omitempty"`
	LastStepSentAt *time.Time       `json:"last_step_sent_at,omitempty"`
	Attempts       int              `json:"attempts,omitempty"`
	ClaimedAt      *time.Time       `json:"claimed_at,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	EnrolledAt     time.Time        `json:"enrolled_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}
