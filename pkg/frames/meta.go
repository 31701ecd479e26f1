package frames

// Well-known metadata keys.
const (
	MetaStreamID = "stream_id"
	MetaTurnID   = "turn_id"
	MetaSource   = "source"
	MetaIsFinal  = "is_final"
	MetaReason   = "reason"
	MetaEncoding = "encoding"
)
