package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleUser    = "user"
	RoleExpert  = "expert"
	RoleAdmin   = "admin"
	RoleSupport = "support" // back-office role, opt-in per route
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsBackOffice(role string) bool { return role == RoleSupport }
