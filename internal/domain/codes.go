package domain

// Code is an application-specific outcome code, CATEGORY_ACTION style.
// Every operation enumerates its legal outcomes; the HTTP boundary maps
// each to a status and a human-readable detail.
type Code string

const (
	CodeAPIKeyValid Code = "API_KEY_VALID"

	CodeJobCreated   Code = "JOB_CREATED"
	CodeJobRetrieved Code = "JOB_RETRIEVED"
	CodeJobsListed   Code = "JOBS_RETRIEVED"
	CodeJobCancelled Code = "JOB_CANCELLED"

	CodeJobAssigned   Code = "JOB_ASSIGNED"
	CodeJobQueueEmpty Code = "JOB_QUEUE_EMPTY"

	CodeJobHeartbeatAccepted Code = "JOB_HEARTBEAT_ACCEPTED"
	CodeJobUpdated           Code = "JOB_UPDATED"
	CodeJobReleased          Code = "JOB_RELEASED"

	CodeJobCompleted        Code = "JOB_COMPLETED"
	CodeJobAlreadyCompleted Code = "JOB_ALREADY_COMPLETED"
	CodeJobFailed           Code = "JOB_FAILED"
	CodeJobAlreadyFailed    Code = "JOB_ALREADY_FAILED"

	CodeImageUploaded      Code = "IMAGE_UPLOADED"
	CodeImageReuploaded    Code = "IMAGE_REUPLOADED"
	CodeAltoUploaded       Code = "ALTO_UPLOADED"
	CodeAltoReuploaded     Code = "ALTO_REUPLOADED"
	CodePageUploaded       Code = "PAGE_UPLOADED"
	CodePageReuploaded     Code = "PAGE_REUPLOADED"
	CodeMetaJSONUploaded   Code = "META_JSON_UPLOADED"
	CodeMetaJSONReuploaded Code = "META_JSON_REUPLOADED"

	CodeImagesRetrieved   Code = "IMAGES_RETRIEVED"
	CodeImageDownloaded   Code = "IMAGE_DOWNLOADED"
	CodeAltoDownloaded    Code = "ALTO_DOWNLOADED"
	CodePageDownloaded    Code = "PAGE_DOWNLOADED"
	CodeMetaJSONRetrieved Code = "META_JSON_DOWNLOADED"

	CodeResultUploaded  Code = "JOB_RESULT_UPLOADED"
	CodeResultRetrieved Code = "JOB_RESULT_RETRIEVED"

	CodeKeyCreated       Code = "KEY_CREATED"
	CodeKeysRetrieved    Code = "KEYS_RETRIEVED"
	CodeKeyUpdated       Code = "KEY_UPDATED"
	CodeEngineCreated    Code = "ENGINE_CREATED"
	CodeEngineUpdated    Code = "ENGINE_UPDATED"
	CodeEnginesRetrieved Code = "ENGINES_RETRIEVED"
)

// Error codes reported in 4xx/5xx envelopes.
const (
	CodeJobNotFound    Code = "JOB_NOT_FOUND"
	CodeImageNotFound  Code = "IMAGE_NOT_FOUND_FOR_JOB"
	CodeKeyNotFound    Code = "KEY_NOT_FOUND"
	CodeEngineNotFound Code = "ENGINE_NOT_FOUND"
	CodeEngineInactive Code = "ENGINE_INACTIVE"
	CodeKeyLabelExists Code = "KEY_LABEL_ALREADY_EXISTS"

	CodeAPIKeyMissing         Code = "API_KEY_MISSING"
	CodeAPIKeyInvalid         Code = "API_KEY_INVALID"
	CodeAPIKeyInactive        Code = "API_KEY_INACTIVE"
	CodeAPIKeyRoleForbidden   Code = "API_KEY_ROLE_FORBIDDEN"
	CodeAPIKeyForbiddenForJob Code = "API_KEY_FORBIDDEN_FOR_JOB"

	CodeJobNotInProcessing Code = "JOB_NOT_IN_PROCESSING"
	CodeJobNotInNew        Code = "JOB_NOT_IN_NEW"
	CodeJobInvalidState    Code = "JOB_INVALID_STATE"
	CodeJobUncancellable   Code = "JOB_UNCANCELLABLE"

	CodeAltoNotRequired     Code = "ALTO_NOT_REQUIRED"
	CodePageNotRequired     Code = "PAGE_NOT_REQUIRED"
	CodeMetaJSONNotRequired Code = "META_JSON_NOT_REQUIRED"

	CodeImageInvalid     Code = "IMAGE_INVALID"
	CodeXMLParseError    Code = "XML_PARSE_ERROR"
	CodeXMLSchemaInvalid Code = "XML_SCHEMA_INVALID"

	CodeResultMissing  Code = "JOB_RESULT_MISSING"
	CodeResultNotReady Code = "JOB_RESULT_NOT_READY"
	CodeResultGone     Code = "JOB_RESULT_GONE"
	CodeResultInvalid  Code = "JOB_RESULT_INVALID"

	CodeRequestValidationError Code = "REQUEST_VALIDATION_ERROR"
	CodeHTTPError              Code = "HTTP_ERROR"
	CodeInternalError          Code = "INTERNAL_ERROR"
)
