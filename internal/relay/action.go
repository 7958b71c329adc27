package relay

// Action is an inbound client action consumed by Relay.Handle. The set of
// variants is closed: Connect, SetName, SendMessage and Disconnect.
type Action interface {
	// ConnectionID returns the connection the action originates from.
	ConnectionID() string
	isAction()
}

// Connect is emitted by the transport when a connection is established.
type Connect struct {
	ConnID string
}

// SetName carries a setUsername request.
type SetName struct {
	ConnID string
	Name   string
}

// SendMessage carries a chat message to broadcast.
type SendMessage struct {
	ConnID string
	Text   string
}

// Disconnect is emitted by the transport when a connection goes away.
type Disconnect struct {
	ConnID string
}

func (a Connect) ConnectionID() string     { return a.ConnID }
func (a SetName) ConnectionID() string     { return a.ConnID }
func (a SendMessage) ConnectionID() string { return a.ConnID }
func (a Disconnect) ConnectionID() string  { return a.ConnID }

func (Connect) isAction()     {}
func (SetName) isAction()     {}
func (SendMessage) isAction() {}
func (Disconnect) isAction()  {}
