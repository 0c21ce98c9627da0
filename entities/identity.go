package entities

type Role string

const (
	RoleClient     Role = "client"
	RoleProvider   Role = "provider"
	RoleController Role = "controller"
)

type Identity struct {
	Address string
	Name    string
	Role    Role
}

// SignedRecord is a record whose canonical form, without its signature, was signed by the identity it declares.
type SignedRecord interface {
	Signature() string
	DeclaredIdentity() (name string, role Role)
	// Payload returns the value to canonicalize for signature checks. Decoded records return their raw bytes.
	Payload() any
}
