package chat

// DefaultDeskName is the name of the single conversation a customer owns.
const DefaultDeskName = "Admin"

// Policy selects single- or multi-conversation behavior.
type Policy struct {
	Self  Role
	Peer  Role
	Multi bool
	// DeskName keys the only conversation of a single-conversation client.
	DeskName string
}

func CustomerPolicy() Policy {
	return Policy{Self: RoleUser, Peer: RoleAdmin, DeskName: DefaultDeskName}
}

func OperatorPolicy() Policy {
	return Policy{Self: RoleAdmin, Peer: RoleUser, Multi: true}
}

// PolicyFor picks the policy matching the role of id. deskName overrides the
// customer's conversation key when set.
func PolicyFor(id Identity, deskName string) Policy {
	if id.IsAdmin() {
		return OperatorPolicy()
	}
	p := CustomerPolicy()
	if deskName != "" {
		p.DeskName = deskName
	}
	return p
}

// Key maps a participant name to the conversation key this client stores it under.
func (p Policy) Key(participant string) string {
	if p.Multi {
		return participant
	}
	if p.DeskName == "" {
		return DefaultDeskName
	}
	return p.DeskName
}

func (p Policy) String() string {
	if p.Multi {
		return "multi"
	}
	return "single"
}

// Identity is the logged-in account as stored by the storefront.
type Identity struct {
	ID    string `json:"perID"`
	Name  string `json:"full_name"`
	Role  string `json:"role"`
	Token string `json:"token,omitempty"`
}

func (i Identity) Valid() bool { return i.ID != "" && i.Name != "" }

func (i Identity) IsAdmin() bool { return i.Role == "Admin" }
