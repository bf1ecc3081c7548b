package dataclient

// Kind names a client profile.
type Kind string

const (
	KindPublic Kind = "public"
	KindServer Kind = "server"
	KindAdmin  Kind = "admin"
	KindCustom Kind = "custom"
)

// Capabilities gates which operation categories a client may dispatch. It is
// fixed when the client is built; a different level needs a new client.
type Capabilities struct {
	Read     bool
	Write    bool
	Admin    bool
	Realtime bool
}

// ProfileFor returns the capability profile of a client kind. Unknown kinds
// get an empty profile.
func ProfileFor(k Kind) Capabilities {
	switch k {
	case KindPublic:
		return Capabilities{Read: true, Write: true, Realtime: true}
	case KindServer:
		return Capabilities{Read: true, Write: true}
	case KindAdmin:
		return Capabilities{Read: true, Write: true, Admin: true}
	default:
		return Capabilities{}
	}
}
