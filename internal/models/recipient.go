package models

// Contact is a lead or client as seen by the record store
type Contact struct {
	ID         string        `json:"id"`
	Type       RecipientType `json:"type"`
	FirstName  string        `json:"first_name"`
	LastName   string        `json:"last_name"`
	Company    string        `json:"company,omitempty"`
	Email      string        `json:"email,omitempty"`
	Phone      string        `json:"phone,omitempty"`
	ChatHandle string        `json:"chat_handle,omitempty"`
	Industry   string        `json:"industry,omitempty"`
	Tags       []string      `json:"tags,omitempty"`
	OptInEmail bool          `json:"opt_in_email"`
	OptInSMS   bool          `json:"opt_in_sms"`
}

// FullName returns first and last name joined
func (c *Contact) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// GroupMember references a lead, a client or a raw address
type GroupMember struct {
	GroupID  string `json:"group_id"`
	LeadID   string `json:"lead_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Address  string `json:"address,omitempty"`
}

// Recipient is one resolved destination for a channel
type Recipient struct {
	Ref         RecipientRef `json:"ref"`
	Destination string       `json:"destination"`
	// Contact is nil for raw addresses
	Contact *Contact `json:"contact,omitempty"`
}
