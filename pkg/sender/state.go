package sender

// state is the sender's position in the connection lifecycle (spec §4.1).
// Mirrors the teacher's pkg/vif/tcp state enum: an int type set through
// setState (which assigns without checking the transition) and a String
// method for logging.
type state int32

const (
	stateInit state = iota
	stateEstabPending
	stateEstab
	stateSending
	stateFinPending
	stateFinished
	stateResetPending
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "INIT"
	case stateEstabPending:
		return "ESTAB_PENDING"
	case stateEstab:
		return "ESTAB"
	case stateSending:
		return "SENDING"
	case stateFinPending:
		return "FIN_PENDING"
	case stateFinished:
		return "FINISHED"
	case stateResetPending:
		return "RESET_PENDING"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
