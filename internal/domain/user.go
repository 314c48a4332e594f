package domain

import "time"

// User is a single imported user record.
type User struct {
	ID        int64     `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	Gender    string    `json:"gender"`
	Age       int       `json:"age"`
	City      string    `json:"city"`
	State     string    `json:"state"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}
