package types

type PrincipalKind int

const (
	PrincipalAnonymous PrincipalKind = iota
	PrincipalCustomer
	PrincipalStaff
)

func (k PrincipalKind) String() string {
	switch k {
	case PrincipalStaff:
		return "staff"
	case PrincipalCustomer:
		return "customer"
	default:
		return "anonymous"
	}
}

// Principal is the identity resolved for one connection. It does not change
// for the lifetime of the connection.
type Principal struct {
	Kind      PrincipalKind
	UserId    string
	SessionId string
	User      User
	// AuthErr records why a presented token was rejected, if it was.
	AuthErr error
}

func Anonymous(sessionId string) Principal {
	return Principal{Kind: PrincipalAnonymous, SessionId: sessionId}
}

func (p Principal) IsStaff() bool {
	return p.Kind == PrincipalStaff
}

func (p Principal) IsAnonymous() bool {
	return p.Kind == PrincipalAnonymous
}

// Owner returns the owner key used to look up this principal's room.
func (p Principal) Owner() (OwnerKind, string) {
	if p.Kind == PrincipalAnonymous {
		return OwnerSession, p.SessionId
	}
	return OwnerUser, p.UserId
}

// Participant describes the principal in presence and typing events.
func (p Principal) Participant(displayName string) Participant {
	kind := SenderCustomer
	if p.IsStaff() {
		kind = SenderStaff
	}
	return Participant{Kind: kind, Name: displayName, UserId: p.UserId}
}
