package model

// Role classifies a connected party. Verification happens upstream; the engine
// only checks that event actors match the identity bound to the connection.
type Role string

const (
	RoleDriver   Role = "driver"
	RoleCustomer Role = "customer"
)

// SystemActor is the actor id used by background policy (expiry).
const SystemActor = "system"

// Identity is the verified party bound to a connection at handshake.
type Identity struct {
	PartyID string
	Role    Role
}
