package contracts

import "time"

// ContactStatus is the lifecycle stage of a contact.
type ContactStatus string

const (
	ContactLead      ContactStatus = "lead"
	ContactQualified ContactStatus = "qualified"
	ContactCustomer  ContactStatus = "customer"
)

// Touchpoint is one attribution record appended on every submission.
type Touchpoint struct {
	SubmissionID string       `json:"submission_id"`
	FormID       string       `json:"form_id"`
	Campaign     CampaignTags `json:"campaign"`
	Referrer     string       `json:"referrer,omitempty"`
	At           time.Time    `json:"at"`
}

// Note is an append-only free-text annotation.
type Note struct {
	Text   string    `json:"text"`
	Author string    `json:"author"`
	At     time.Time `json:"at"`
}

// Contact is a person recognized by email, unique per tenant.
type Contact struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenant_id"`
	Email           string        `json:"email"`
	FirstName       string        `json:"first_name,omitempty"`
	LastName        string        `json:"last_name,omitempty"`
	FullName        string        `json:"full_name,omitempty"`
	Phone           string        `json:"phone,omitempty"`
	JobTitle        string        `json:"job_title,omitempty"`
	CompanyID       string        `json:"company_id,omitempty"`
	Status          ContactStatus `json:"status"`
	Score           int           `json:"score"`
	Tags            []string      `json:"tags,omitempty"`
	Touchpoints     []Touchpoint  `json:"touchpoints,omitempty"`
	Notes           []Note        `json:"notes,omitempty"`
	SubmissionCount int           `json:"submission_count"`
	FirstSeenAt     time.Time     `json:"first_seen_at"`
	LastSeenAt      time.Time     `json:"last_seen_at"`
}

// HasTag reports whether tag is present.
func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTags adds tags not already present, preserving order.
func (c *Contact) AddTags(tags ...string) {
	for _, t := range tags {
		if t != "" && !c.HasTag(t) {
			c.Tags = append(c.Tags, t)
		}
	}
}

// RecentTouchpoints returns at most n of the newest touchpoints, oldest first.
func (c *Contact) RecentTouchpoints(n int) []Touchpoint {
	if n <= 0 || len(c.Touchpoints) == 0 {
		return nil
	}
	if len(c.Touchpoints) <= n {
		return c.Touchpoints
	}
	return c.Touchpoints[len(c.Touchpoints)-n:]
}

// Company is resolved by case-insensitive name within a tenant.
type Company struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	FoldedName string    `json:"folded_name"`
	CreatedAt  time.Time `json:"created_at"`
}
