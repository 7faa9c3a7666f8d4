package domain

// User is the caller of a mutating operation.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Same reports whether u and other are the same user. A nil user matches nobody.
func (u *User) Same(other *User) bool {
	if u == nil || other == nil {
		return false
	}
	return u.ID == other.ID
}
