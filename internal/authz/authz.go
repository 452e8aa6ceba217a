// Package authz defines the actors that may drive escrow operations and
// the permission errors they produce.
//
// Buyer and seller standing is per transaction: a marketplace account is
// the buyer of one escrow and the seller of another, so user actors are
// checked by ID against the transaction rather than by role.
package authz

import "fmt"

// Role classifies the credential behind an actor.
type Role string

const (
	RoleUser      Role = "user"      // marketplace account (buyer or seller per txn)
	RoleAdmin     Role = "admin"     // operations staff
	RoleBridge    Role = "bridge"    // payment rail callbacks
	RoleScheduler Role = "scheduler" // background jobs
)

// Actor identifies who is attempting an operation.
type Actor struct {
	ID   string
	Role Role
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// User builds an actor for an authenticated marketplace account.
func User(id string) Actor {
	return Actor{ID: id, Role: RoleUser}
}

// Admin builds an actor for an operations subject.
func Admin(id string) Actor {
	return Actor{ID: id, Role: RoleAdmin}
}

// Scheduler is the internal actor background jobs run as.
func Scheduler() Actor {
	return Actor{ID: "scheduler", Role: RoleScheduler}
}

// Bridge is the internal actor payment callbacks run as.
func Bridge() Actor {
	return Actor{ID: "mpesa", Role: RoleBridge}
}

// Error reports that an actor may not perform an action.
type Error struct {
	ActorID string
	Action  string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("actor %s may not %s: %s", e.ActorID, e.Action, e.Reason)
}

// Deny builds a permission error for the given actor and action.
func Deny(actor Actor, action, reason string) *Error {
	return &Error{ActorID: actor.ID, Action: action, Reason: reason}
}
