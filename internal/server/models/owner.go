package models

// OwnerKind says whether an upload belongs to an authenticated user or an
// anonymous session.
type OwnerKind int

const (
	OwnerUser OwnerKind = iota + 1
	OwnerSession
)

// Owner identifies who an upload belongs to. It is passed explicitly
// through every operation signature; nothing reads ambient request state.
type Owner struct {
	Kind OwnerKind
	ID   string
}

// UserOwner returns an Owner for an authenticated user id.
func UserOwner(id string) Owner {
	return Owner{Kind: OwnerUser, ID: id}
}

// SessionOwner returns an Owner for an anonymous session key.
func SessionOwner(id string) Owner {
	return Owner{Kind: OwnerSession, ID: id}
}

func (o Owner) IsUser() bool    { return o.Kind == OwnerUser }
func (o Owner) IsSession() bool { return o.Kind == OwnerSession }
