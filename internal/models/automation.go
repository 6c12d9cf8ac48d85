package models

import (
	"errors"
	"fmt"
	"time"
)

// AutomationStatus is the lifecycle state of a lead automation
type AutomationStatus string

const (
	AutomationScheduled  AutomationStatus = "scheduled"
	AutomationProcessing AutomationStatus = "processing"
	AutomationSent       AutomationStatus = "sent"
	AutomationCompleted  AutomationStatus = "completed"
	AutomationFailed     AutomationStatus = "failed"
)

// ActionType selects the payload of an Action
type ActionType string

const (
	ActionEmail ActionType = "email"
	ActionSMS   ActionType = "sms"
	ActionChat  ActionType = "chat"
	ActionCall  ActionType = "call"
)

// EmailAction sends one email to the lead
type EmailAction struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SMSAction sends a text message to the lead's phone
type SMSAction struct {
	Body  string   `json:"body"`
	Media []string `json:"media,omitempty"`
}

// ChatAction sends a chat-app direct message
type ChatAction struct {
	Text  string   `json:"text"`
	Media []string `json:"media,omitempty"`
}

// CallAction places an outbound voice call
type CallAction struct {
	Script       string `json:"script"`
	AssistantRef string `json:"assistant_ref,omitempty"`
}

// Action is a tagged union: Type names the one payload field that is set.
type Action struct {
	Type  ActionType   `json:"type"`
	Email *EmailAction `json:"email,omitempty"`
	SMS   *SMSAction   `json:"sms,omitempty"`
	Chat  *ChatAction  `json:"chat,omitempty"`
	Call  *CallAction  `json:"call,omitempty"`
}

var errActionPayload = errors.New("action payload does not match action type")

// Validate checks that exactly the payload matching Type is present
func (a Action) Validate() error {
	set := 0
	for _, p := range []bool{a.Email != nil, a.SMS != nil, a.Chat != nil, a.Call != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payloads set", errActionPayload, set)
	}

	var ok bool
	switch a.Type {
	case ActionEmail:
		ok = a.Email != nil
	case ActionSMS:
		ok = a.SMS != nil
	case ActionChat:
		ok = a.Chat != nil
	case ActionCall:
		ok = a.Call != nil
	default:
		return fmt.Errorf("unknown action type: %q", a.Type)
	}
	if !ok {
		return fmt.Errorf("%w: %s", errActionPayload, a.Type)
	}
	return nil
}

// Channel returns the delivery channel the action uses
func (a Action) Channel() Channel {
	switch a.Type {
	case ActionSMS:
		return ChannelSMS
	case ActionChat:
		return ChannelChatDirect
	case ActionCall:
		return ChannelVoice
	}
	return ChannelEmail
}

// Content returns subject, body, media and assistant reference for sending
func (a Action) Content() (subject, body string, media []string, assistantRef string) {
	switch {
	case a.Email != nil:
		return a.Email.Subject, a.Email.Body, nil, ""
	case a.SMS != nil:
		return "", a.SMS.Body, a.SMS.Media, ""
	case a.Chat != nil:
		return "", a.Chat.Text, a.Chat.Media, ""
	case a.Call != nil:
		return "", a.Call.Script, nil, a.Call.AssistantRef
	}
	return "", "", nil, ""
}

// DoneStatus is the terminal status after a successful execution
func (a Action) DoneStatus() AutomationStatus {
	if a.Type == ActionCall {
		return AutomationCompleted
	}
	return AutomationSent
}

// LeadAutomation is a single scheduled action tied to one lead
type LeadAutomation struct {
	ID      string           `json:"id"`
	OwnerID string           `json:"owner_id,omitempty"`
	LeadID  string           `json:"lead_id"`
	Action  Action           `json:"action"`
	Status  AutomationStatus `json:"status"`
	DueAt   time.Time        `json:"due_at"`
	Recurrence
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	ProviderRef string     `json:"provider_ref,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
