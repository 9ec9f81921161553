package frames

// Well-known metadata keys carried on frames, events and metrics tags.
const (
	MetaStreamID  = "stream_id"
	MetaSessionID = "session_id"
	MetaTraceID   = "trace_id"
	MetaSource    = "source"
	MetaDevice    = "device"
)
