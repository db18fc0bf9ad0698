package models

import "time"

type ClientStatus string

const (
	ClientActive   ClientStatus = "active"
	ClientInactive ClientStatus = "inactive"
	// ClientDisabled is set automatically once the refinance limit is hit.
	ClientDisabled ClientStatus = "disabled"
)

// Client represents a borrower
type Client struct {
	ID        int64        `json:"id"`
	DNI       string       `json:"dni"`
	FirstName string       `json:"first_name"`
	LastName  string       `json:"last_name"`
	Email     string       `json:"email,omitempty"`
	Status    ClientStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// FullName returns the display name used on receipts and notices
func (c *Client) FullName() string {
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}
