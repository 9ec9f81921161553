package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonDevice ReasonCode = "device"

	ReasonConnect      ReasonCode = "connect"
	ReasonTransport    ReasonCode = "transport"
	ReasonDrainTimeout ReasonCode = "drain_timeout"
	ReasonNotOpen      ReasonCode = "not_open"

	ReasonProtocol ReasonCode = "protocol"

	ReasonQueueOverflow ReasonCode = "queue_overflow"
	ReasonQueueClosed   ReasonCode = "queue_closed"

	ReasonCancelled ReasonCode = "cancelled"
)

// Kind groups reason codes into the bridge error taxonomy.
type Kind string

const (
	KindUnknown       Kind = "UnknownError"
	KindDevice        Kind = "DeviceError"
	KindConnection    Kind = "ConnectionError"
	KindProtocol      Kind = "ProtocolError"
	KindQueueOverflow Kind = "QueueOverflow"
	KindQueueClosed   Kind = "QueueClosed"
	KindCancellation  Kind = "CancellationError"
)

// Kind maps a reason to its taxonomy kind.
func (r ReasonCode) Kind() Kind {
	switch r {
	case ReasonDevice:
		return KindDevice
	case ReasonConnect, ReasonTransport, ReasonDrainTimeout, ReasonNotOpen:
		return KindConnection
	case ReasonProtocol:
		return KindProtocol
	case ReasonQueueOverflow:
		return KindQueueOverflow
	case ReasonQueueClosed:
		return KindQueueClosed
	case ReasonCancelled:
		return KindCancellation
	default:
		return KindUnknown
	}
}
