package sip

// DialogState is dialog state machine of RFC 3261 12.
type DialogState int

const (
	// DialogStateEarly is set on dialog creating 1xx with tag.
	DialogStateEarly DialogState = iota + 1
	// DialogStateEstablished is set on dialog creating 2xx. ACK may still be pending.
	DialogStateEstablished
	// DialogStateConfirmed is set after ACK for 2xx.
	DialogStateConfirmed
	// DialogStateEnded is set after BYE transaction completes or dialog dies early.
	DialogStateEnded
)

func (s DialogState) String() string {
	switch s {
	case DialogStateEarly:
		return "early"
	case DialogStateEstablished:
		return "established"
	case DialogStateConfirmed:
		return "confirmed"
	case DialogStateEnded:
		return "terminated"
	default:
		return "unknown"
	}
}
