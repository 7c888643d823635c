package errutil

// Reason identifies a domain error kind independently of its message.
type Reason string

const (
	ReasonNotLinked                 Reason = "NOT_LINKED"
	ReasonUnknownIdentity           Reason = "UNKNOWN_IDENTITY"
	ReasonInvalidHandle             Reason = "INVALID_HANDLE"
	ReasonInvalidRule               Reason = "INVALID_RULE"
	ReasonDuplicateSubmission       Reason = "DUPLICATE_SUBMISSION"
	ReasonQuotaExceeded             Reason = "QUOTA_EXCEEDED"
	ReasonInsufficientPoints        Reason = "INSUFFICIENT_POINTS"
	ReasonJobAlreadyRunning         Reason = "JOB_ALREADY_RUNNING"
	ReasonAlreadyRecorded           Reason = "ALREADY_RECORDED"
	ReasonExternalSourceUnavailable Reason = "EXTERNAL_SOURCE_UNAVAILABLE"
	ReasonForbidden                 Reason = "FORBIDDEN"
	ReasonUnauthorized              Reason = "UNAUTHORIZED"
	ReasonNotFound                  Reason = "NOT_FOUND"
	ReasonInvalidArgument           Reason = "INVALID_ARGUMENT"
)

var (
	ErrNotLinked                 = New(StatusUnprocessableEntity, "identity is not linked", WithReason(ReasonNotLinked))
	ErrUnknownIdentity           = New(StatusNotFound, "unknown identity", WithReason(ReasonUnknownIdentity))
	ErrInvalidHandle             = New(StatusBadRequest, "invalid social handle", WithReason(ReasonInvalidHandle))
	ErrInvalidRule               = New(StatusValidationFailed, "invalid tier rule", WithReason(ReasonInvalidRule))
	ErrDuplicateSubmission       = New(StatusConflict, "post has already been submitted", WithReason(ReasonDuplicateSubmission))
	ErrQuotaExceeded             = New(StatusTooManyRequests, "daily submission limit reached", WithReason(ReasonQuotaExceeded))
	ErrInsufficientPoints        = New(StatusUnprocessableEntity, "insufficient points", WithReason(ReasonInsufficientPoints))
	ErrJobAlreadyRunning         = New(StatusConflict, "a batch job is already running", WithReason(ReasonJobAlreadyRunning))
	ErrAlreadyRecorded           = New(StatusConflict, "interaction already recorded", WithReason(ReasonAlreadyRecorded))
	ErrExternalSourceUnavailable = New(StatusServiceUnavailable, "engagement source unavailable", WithReason(ReasonExternalSourceUnavailable))
	ErrForbidden                 = New(StatusForbidden, "operation not permitted for role", WithReason(ReasonForbidden))
	ErrUnauthorized              = New(StatusUnauthorized, "authentication required", WithReason(ReasonUnauthorized))
	ErrNotFound                  = New(StatusNotFound, "resource not found", WithReason(ReasonNotFound))
	ErrInvalidArgument           = New(StatusBadRequest, "invalid argument", WithReason(ReasonInvalidArgument))
)

// Kind returns a copy of the sentinel kind carrying extra context.
func Kind(kind error, opts ...Option) error {
	be, ok := kind.(BaseError)
	if !ok {
		return kind
	}
	return be.With(opts...)
}
