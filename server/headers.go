package durablestreams

// Canonical wire headers shared by every request/response handled here.
const (
	HeaderContentType    = "Content-Type"
	HeaderStreamOffset   = "Stream-Next-Offset"
	HeaderStreamCursor   = "Stream-Cursor"
	HeaderStreamUpToDate = "Stream-Up-To-Date"
	HeaderStreamSeq      = "Stream-Seq"
	HeaderStreamTTL      = "Stream-Ttl"
	HeaderStreamExpires  = "Stream-Expires-At"
	HeaderETag           = "ETag"
	HeaderIfMatch        = "If-Match"
	HeaderIfNoneMatch    = "If-None-Match"
	HeaderLocation       = "Location"
	HeaderPrefer         = "Prefer"

	HeaderProducerID          = "Producer-Id"
	HeaderProducerEpoch       = "Producer-Epoch"
	HeaderProducerSeq         = "Producer-Seq"
	HeaderProducerExpectedSeq = "Producer-Expected-Seq"
	HeaderProducerReceivedSeq = "Producer-Received-Seq"
)
