package response

import (
	"errors"
	"net/http"

	"github.com/DCGM/docbroker/internal/domain"
	"github.com/DCGM/docbroker/internal/validate"
)

// stateDetails extracts the current-state payload of a StateConflictError.
func stateDetails(err error) any {
	var conflict *domain.StateConflictError
	if errors.As(err, &conflict) {
		return map[string]any{"state": conflict.State}
	}
	return nil
}

// FromError maps service errors to the envelope. Unrecognized errors are
// treated as internal and logged with an opaque message to the client.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		Error(w, http.StatusNotFound, domain.CodeJobNotFound, "Job does not exist.", nil)
	case errors.Is(err, domain.ErrImageNotFound):
		Error(w, http.StatusNotFound, domain.CodeImageNotFound, "Image does not exist for the job.", nil)
	case errors.Is(err, domain.ErrKeyNotFound):
		Error(w, http.StatusNotFound, domain.CodeKeyNotFound, "Key does not exist.", nil)
	case errors.Is(err, domain.ErrEngineNotFound):
		Error(w, http.StatusNotFound, domain.CodeEngineNotFound, "Engine does not exist.", nil)
	case errors.Is(err, domain.ErrEngineInactive):
		Error(w, http.StatusConflict, domain.CodeEngineInactive, "Engine is not active.", nil)

	case errors.Is(err, domain.ErrForbidden):
		Error(w, http.StatusForbidden, domain.CodeAPIKeyForbiddenForJob,
			"The API key does not have access to the job.", nil)

	case errors.Is(err, domain.ErrNotInProcessing):
		Error(w, http.StatusConflict, domain.CodeJobNotInProcessing,
			"Only jobs in PROCESSING state can be accessed by workers.", stateDetails(err))
	case errors.Is(err, domain.ErrJobNotNew):
		Error(w, http.StatusConflict, domain.CodeJobNotInNew,
			"Artifacts can only be uploaded while the job is NEW.", stateDetails(err))
	case errors.Is(err, domain.ErrUncancellable):
		Error(w, http.StatusConflict, domain.CodeJobUncancellable,
			"Job can no longer be cancelled.", stateDetails(err))
	case errors.Is(err, domain.ErrInvalidState):
		Error(w, http.StatusConflict, domain.CodeJobInvalidState,
			"Job state does not permit the operation.", stateDetails(err))

	case errors.Is(err, domain.ErrAltoNotRequired):
		Error(w, http.StatusConflict, domain.CodeAltoNotRequired, "Job does not require ALTO XML.", nil)
	case errors.Is(err, domain.ErrPageNotRequired):
		Error(w, http.StatusConflict, domain.CodePageNotRequired, "Job does not require PAGE XML.", nil)
	case errors.Is(err, domain.ErrMetaJSONNotRequired):
		Error(w, http.StatusConflict, domain.CodeMetaJSONNotRequired, "Job does not require metadata.", nil)

	case errors.Is(err, domain.ErrResultMissing):
		Error(w, http.StatusConflict, domain.CodeResultMissing,
			"Result ZIP for the job has not been uploaded yet.", nil)
	case errors.Is(err, domain.ErrResultNotReady):
		Error(w, http.StatusTooEarly, domain.CodeResultNotReady,
			"The job has not produced a result yet.", stateDetails(err))
	case errors.Is(err, domain.ErrResultGone):
		Error(w, http.StatusGone, domain.CodeResultGone,
			"The job will not produce a result.", stateDetails(err))

	case errors.Is(err, validate.ErrImageUndecodable):
		Error(w, http.StatusUnsupportedMediaType, domain.CodeImageInvalid,
			"The uploaded file could not be decoded as an image.", nil)
	case errors.Is(err, validate.ErrXMLMalformed):
		Error(w, http.StatusBadRequest, domain.CodeXMLParseError,
			"The uploaded XML is not well-formed.", nil)
	case errors.Is(err, validate.ErrXMLWrongRoot):
		Error(w, http.StatusUnprocessableEntity, domain.CodeXMLSchemaInvalid,
			"The uploaded XML does not conform to the required schema.", nil)
	case errors.Is(err, validate.ErrZipInvalid):
		Error(w, http.StatusUnsupportedMediaType, domain.CodeResultInvalid,
			"The uploaded result is not a valid ZIP archive.", nil)
	case errors.Is(err, validate.ErrJSONInvalid):
		Error(w, http.StatusBadRequest, domain.CodeRequestValidationError,
			"The uploaded metadata is not valid JSON.", nil)

	case errors.Is(err, domain.ErrLabelExists):
		Error(w, http.StatusConflict, domain.CodeKeyLabelExists, err.Error(), nil)
	case errors.Is(err, domain.ErrNoFields), errors.Is(err, domain.ErrInvalidInput):
		Error(w, http.StatusBadRequest, domain.CodeRequestValidationError, err.Error(), nil)

	default:
		Internal(w, r, err)
	}
}
