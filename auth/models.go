package auth

import "time"

type Role string

const (
	RoleSponsor Role = "sponsor"
	RoleAgency  Role = "agency"
	RoleAdmin   Role = "admin"
)

// Account is the domain representation of a marketplace login. PartyID is the
// sponsor or agency identifier the account acts for on placements; nil means
// the account id itself.
type Account struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	PartyID      *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains self-service registration data. Admins are never
// self-registered and the party id is not caller-chosen: a new account acts
// for itself until an admin binds it to an existing party.
type RegisterRequest struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
	FullName string `validate:"required"`
	Role     Role   `validate:"omitempty,oneof=sponsor agency"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

// Identity is what a verified token says about the caller.
type Identity struct {
	AccountID string
	Role      Role
	PartyID   string
}

// Acts reports whether the caller may act for the given party. Admins act for
// everyone.
func (i Identity) Acts(partyID string) bool {
	return i.Role == RoleAdmin || (partyID != "" && i.PartyID == partyID)
}
