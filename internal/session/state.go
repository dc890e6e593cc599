package session

// State is what the application is doing. It is one of NotInSession,
// Establishing or InSession.
type State interface {
	isState()
}

// Lobby holds what the user typed before starting or joining a session.
type Lobby struct {
	JoinExisting bool
	NameInput    string
	PeerInput    string
}

type NotInSession struct {
	Lobby Lobby
}

// Establishing covers both setting a session up and tearing it down.
type Establishing struct{}

type InSession struct {
	Session *Session
}

func (NotInSession) isState() {}
func (Establishing) isState() {}
func (InSession) isState()    {}

// StateName is used in logs.
func StateName(s State) string {
	switch s.(type) {
	case NotInSession:
		return "not_in_session"
	case Establishing:
		return "establishing"
	case InSession:
		return "in_session"
	default:
		return "unknown"
	}
}
