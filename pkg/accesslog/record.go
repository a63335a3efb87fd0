package accesslog

import "time"

// AccessRecord holds the decoded fields of one raw access-log line.
// Maps to the AWS S3 Server Access Log format fields.
type AccessRecord struct {
	Timestamp time.Time // Field 3: Time (request start time)

	BucketOwner    string // Field 1: Bucket Owner
	Bucket         string // Field 2: Bucket
	ClientIP       string // Field 4: Remote IP
	Requester      string // Field 5: Requester
	RequestID      string // Field 6: Request ID
	Operation      string // Field 7: Operation
	ObjectKey      string // Field 8: Key
	RequestURI     string // Field 9: Request-URI
	ErrorCode      string // Field 11: Error Code
	ObjectSize     string // Field 13: Object Size
	TotalTime      string // Field 14: Total Time
	TurnAroundTime string // Field 15: Turn-Around Time
	Referer        string // Field 16: Referer
	UserAgent      string // Field 17: User-Agent
	VersionID      string // Field 18: Version Id

	BytesSent uint64 // Field 12: Bytes Sent

	StatusCode int // Field 10: HTTP Status
}

// DecodeFailure is a raw line that could not be decoded, plus the reason.
// Failures are never silently dropped; the reduction stage counts them and
// appends them to the failure sink for later review.
type DecodeFailure struct {
	RawLine    string
	Reason     string
	SourceFile string
	LineNumber int
}

// KnownOperationTypes lists every operation string observed in the archive's
// access logs. Operations outside this list still decode; the list exists so
// unexpected values can be flagged during review.
var KnownOperationTypes = []string{
	"BATCH.DELETE.OBJECT",
	"REST.COPY.OBJECT_GET",
	"REST.COPY.PART",
	"REST.DELETE.OBJECT",
	"REST.DELETE.OBJECT_TAGGING",
	"REST.DELETE.UPLOAD",
	"REST.GET.ACCELERATE",
	"REST.GET.ACL",
	"REST.GET.ANALYTICS",
	"REST.GET.BUCKET",
	"REST.GET.BUCKETPOLICY",
	"REST.GET.BUCKETVERSIONS",
	"REST.GET.CORS",
	"REST.GET.ENCRYPTION",
	"REST.GET.INTELLIGENT_TIERING",
	"REST.GET.INVENTORY",
	"REST.GET.LIFECYCLE",
	"REST.GET.LOCATION",
	"REST.GET.LOGGING_STATUS",
	"REST.GET.METRICS",
	"REST.GET.NOTIFICATION",
	"REST.GET.OBJECT",
	"REST.GET.OBJECT_LOCK_CONFIGURATION",
	"REST.GET.OBJECT_TAGGING",
	"REST.GET.OWNERSHIP_CONTROLS",
	"REST.GET.POLICY_STATUS",
	"REST.GET.PUBLIC_ACCESS_BLOCK",
	"REST.GET.REPLICATION",
	"REST.GET.REQUEST_PAYMENT",
	"REST.GET.TAGGING",
	"REST.GET.UPLOAD",
	"REST.GET.VERSIONING",
	"REST.GET.WEBSITE",
	"REST.HEAD.BUCKET",
	"REST.HEAD.OBJECT",
	"REST.OPTIONS.PREFLIGHT",
	"REST.POST.BUCKET",
	"REST.POST.MULTI_OBJECT_DELETE",
	"REST.POST.OBJECT",
	"REST.POST.UPLOAD",
	"REST.POST.UPLOADS",
	"REST.PUT.ACL",
	"REST.PUT.BUCKETPOLICY",
	"REST.PUT.OBJECT",
	"REST.PUT.OWNERSHIP_CONTROLS",
	"REST.PUT.PART",
	"WEBSITE.GET.OBJECT",
}

// IsKnownOperationType reports whether the operation string is one the
// archive has been observed to emit.
func IsKnownOperationType(operation string) bool {
	_, ok := knownOperationTypeSet[operation]
	return ok
}

var knownOperationTypeSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(KnownOperationTypes))
	for _, operation := range KnownOperationTypes {
		set[operation] = struct{}{}
	}
	return set
}()
