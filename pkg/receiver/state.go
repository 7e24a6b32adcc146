package receiver

// state is the receiver's position in the connection lifecycle (spec
// §4.2), mirroring the teacher's pkg/vif/tcp state enum.
type state int32

const (
	stateListen state = iota
	stateEstab
	stateFinWait
	stateResetPending
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateListen:
		return "LISTEN"
	case stateEstab:
		return "ESTAB"
	case stateFinWait:
		return "FIN_WAIT"
	case stateResetPending:
		return "RESET_PENDING"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
