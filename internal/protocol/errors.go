package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// World routing.
	ErrWorldNotFound = "E_WORLD_NOT_FOUND"

	// Scheduler state.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrStopped    = "E_STOPPED"
	ErrForbidden  = "E_FORBIDDEN"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrWorldNotFound:   {},
	ErrBadRequest:      {},
	ErrStopped:         {},
	ErrForbidden:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// ErrorMsg is the body of every failed admin request.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Code: code, Message: message}
}
