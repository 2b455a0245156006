package telemetry

// ErrorKind is the closed set of ingestion failure categories. Keeping
// it a typed enum lets the compiler catch a missed case when kinds are
// added.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrHMACFailed
	ErrReplay
	ErrRateLimited
	ErrSchemaInvalid
	ErrCORSBlocked
	ErrContentTypeInvalid
	ErrSizeExceeded
	ErrOriginDenied
)

// Kinds lists every error kind, for exhaustive reporting.
var Kinds = []ErrorKind{
	ErrHMACFailed,
	ErrReplay,
	ErrRateLimited,
	ErrSchemaInvalid,
	ErrCORSBlocked,
	ErrContentTypeInvalid,
	ErrSizeExceeded,
	ErrOriginDenied,
	ErrUnknown,
}

func (k ErrorKind) String() string {
	switch k {
	case ErrHMACFailed:
		return "hmac_failed"
	case ErrReplay:
		return "replay"
	case ErrRateLimited:
		return "rate_limited"
	case ErrSchemaInvalid:
		return "schema_invalid"
	case ErrCORSBlocked:
		return "cors_blocked"
	case ErrContentTypeInvalid:
		return "content_type_invalid"
	case ErrSizeExceeded:
		return "size_exceeded"
	case ErrOriginDenied:
		return "origin_denied"
	default:
		return "unknown"
	}
}
