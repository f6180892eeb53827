// Package rbac derives capability snapshots from user roles and enforces
// the ownership business rules that must hold before any mutating call
// reaches the backend: there is exactly one system owner at all times.
package rbac

import (
	"encoding/json"
	"errors"
)

// Role names understood by the heuristic derivation. The backend may
// attach a detailed capability record to a role; when present it takes
// precedence over the name-based defaults.
const (
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleUser    = "user"
)

// Role is the server-side role record attached to a user.
type Role struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority,omitempty"`

	// Detailed capability flags. Detail reports whether the server
	// actually provided them, since all-false is a meaningful value.
	CanManageUsers   bool `json:"can_manage_users"`
	CanManageSystem  bool `json:"can_manage_system"`
	CanManageNetwork bool `json:"can_manage_network"`
	CanViewAllData   bool `json:"can_view_all_data"`
	Detail           bool `json:"-"`
}

// UnmarshalJSON decodes a role record and marks Detail when the server
// included the fine-grained capability keys, so that an all-false detail
// record is distinguishable from a name-only one.
func (r *Role) UnmarshalJSON(b []byte) error {
	type alias Role
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*r = Role(a)
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(b, &probe); err == nil {
		if _, ok := probe["can_manage_users"]; ok {
			r.Detail = true
		}
	}
	return nil
}

// Snapshot is the derived, read-only capability projection of one user.
// It is recomputed whenever the underlying role record changes and never
// mutated directly.
type Snapshot struct {
	IsOwner   bool
	IsAdmin   bool
	IsManager bool

	ManageUsers   bool
	ManageSystem  bool
	ManageNetwork bool
	ViewAllData   bool
}

// Derive computes the capability snapshot for a role. A nil role (plain
// user, or no role assigned) yields the zero snapshot. Server-provided
// detail records override the name heuristic for the fine-grained flags.
func Derive(role *Role) Snapshot {
	if role == nil {
		return Snapshot{}
	}
	s := Snapshot{
		IsOwner:   role.Name == RoleOwner,
		IsAdmin:   role.Name == RoleAdmin,
		IsManager: role.Name == RoleManager,
	}
	if role.Detail {
		s.ManageUsers = role.CanManageUsers
		s.ManageSystem = role.CanManageSystem
		s.ManageNetwork = role.CanManageNetwork
		s.ViewAllData = role.CanViewAllData
		if s.IsOwner {
			// The owner heuristic is not overridable: owners hold every
			// capability regardless of what the detail record says.
			s.ManageUsers, s.ManageSystem, s.ManageNetwork, s.ViewAllData = true, true, true, true
		}
		return s
	}
	switch role.Name {
	case RoleOwner:
		s.ManageUsers, s.ManageSystem, s.ManageNetwork, s.ViewAllData = true, true, true, true
	case RoleAdmin:
		s.ManageUsers, s.ManageSystem, s.ManageNetwork, s.ViewAllData = true, true, true, true
	case RoleManager:
		s.ManageSystem, s.ManageNetwork, s.ViewAllData = true, true, true
	}
	return s
}

// Ownership rule violations, reported before any persistence call.
var (
	ErrSecondOwner   = errors.New("rbac: there can only be one system owner")
	ErrDemoteOwner   = errors.New("rbac: cannot demote the system owner without transferring ownership")
	ErrDeleteOwner   = errors.New("rbac: the system owner cannot be deleted")
	ErrNotOwner      = errors.New("rbac: only the owner may assign the owner role")
	ErrUnknownMember = errors.New("rbac: no such user")
)

// Member is the minimal user view the ownership rules operate on.
type Member struct {
	ID       string
	RoleName string
}

// Directory is a read snapshot of the user inventory, supplied by the
// caller at validation time.
type Directory []Member

func (d Directory) find(id string) (Member, bool) {
	for _, m := range d {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

func (d Directory) owners() []Member {
	var out []Member
	for _, m := range d {
		if m.RoleName == RoleOwner {
			out = append(out, m)
		}
	}
	return out
}

// ValidateAssign checks whether actor may assign roleName to target given
// the current directory. A violation is an application-logic error that
// must be surfaced to the user; no persistence call may be attempted
// after one.
func ValidateAssign(dir Directory, actor, target Member, roleName string) error {
	if _, ok := dir.find(target.ID); !ok {
		return ErrUnknownMember
	}
	if roleName == RoleOwner {
		if actor.RoleName != RoleOwner {
			return ErrNotOwner
		}
		for _, o := range dir.owners() {
			if o.ID != target.ID {
				return ErrSecondOwner
			}
		}
		return nil
	}
	// Demoting away from owner requires another owner to exist first,
	// which the single-owner rule makes impossible except mid-transfer.
	if target.RoleName == RoleOwner {
		for _, o := range dir.owners() {
			if o.ID != target.ID {
				return nil
			}
		}
		return ErrDemoteOwner
	}
	return nil
}

// ValidateDelete rejects deleting the system owner.
func ValidateDelete(dir Directory, target Member) error {
	m, ok := dir.find(target.ID)
	if !ok {
		return ErrUnknownMember
	}
	if m.RoleName == RoleOwner {
		return ErrDeleteOwner
	}
	return nil
}

// Transfer plans an ownership transfer from the current owner to the
// member identified by newOwnerID. It returns the directory as it must
// look after the operation: exactly one prior owner demoted to admin and
// exactly one new owner promoted, with the owner count 1 throughout from
// any reader's perspective. The caller applies the plan as one mutating
// call (or two ordered ones the backend treats atomically).
func Transfer(dir Directory, newOwnerID string) (Directory, error) {
	target, ok := dir.find(newOwnerID)
	if !ok {
		return nil, ErrUnknownMember
	}
	owners := dir.owners()
	if len(owners) != 1 {
		return nil, ErrSecondOwner
	}
	if target.ID == owners[0].ID {
		// Transferring to the current owner is a no-op.
		return append(Directory(nil), dir...), nil
	}
	out := make(Directory, len(dir))
	for i, m := range dir {
		switch m.ID {
		case owners[0].ID:
			m.RoleName = RoleAdmin
		case target.ID:
			m.RoleName = RoleOwner
		}
		out[i] = m
	}
	return out, nil
}
