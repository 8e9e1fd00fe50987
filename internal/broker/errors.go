package broker

// Kind classifies broker failures that are reported back to the caller.
// Only session creation and wake relay report failures; all other
// dispatcher operations drop unauthorized or unreachable targets silently.
type Kind string

const (
	KindUnauthorized       Kind = "unauthorized"
	KindDeviceOffline      Kind = "device_offline"
	KindConnectionNotFound Kind = "connection_not_found"
	KindCapacityExceeded   Kind = "capacity_exceeded"
	KindRelayFailure       Kind = "relay_failure"
)

// Result is the explicit outcome of session creation and wake relay.
type Result struct {
	OK      bool
	Kind    Kind
	Message string
	Session *RemoteControlSession
}

func success() Result {
	return Result{OK: true}
}

func failure(kind Kind, message string) Result {
	return Result{Kind: kind, Message: message}
}
