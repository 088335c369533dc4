package models

import "time"

// Factory is the tenant root. Every other relational entity hangs off a
// factory and carries its id.
type Factory struct {
	ID       int64     `json:"id"`
	Slug     string    `json:"slug"`
	Name     string    `json:"name"`
	Timezone string    `json:"timezone"`
	Created  time.Time `json:"created_at"`
}
