package profile

import "github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"

// Profile is the durable view of one user: every field that was confident
// enough to outlive the session it was learned in.
type Profile struct {
	UserID     string   `json:"userId"`
	Attributes attr.Map `json:"attributes"`
}

// Value returns the committed value of field, or the zero Value.
func (p Profile) Value(field string) attr.Value {
	return p.Attributes[field].Value
}
