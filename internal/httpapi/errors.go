package httpapi

import (
	"net/http"

	"costguardian/internal/apperr"
	"costguardian/internal/logging"
	"costguardian/internal/utils"
)

// respondAppError maps a structured core error onto an HTTP status. In
// production mode server-side failures collapse to a generic message so
// storage details never leak to callers.
func respondAppError(w http.ResponseWriter, err error, production bool) {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
	case apperr.KindUnknownModel:
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
	case apperr.KindNotFound:
		utils.RespondWithError(w, http.StatusNotFound, err.Error())
	case apperr.KindRateLimited:
		retryAfter, _ := apperr.RetryAfterOf(err)
		utils.RespondRateLimited(w, retryAfter)
	case apperr.KindDecryption:
		// The credential exists but cannot be used; this is an operator
		// problem, not a caller problem.
		logging.Errorf("decryption failure: %v", err)
		utils.RespondWithError(w, http.StatusConflict, "credential is undecryptable under the current master key")
	default:
		logging.Errorf("internal error: %v", err)
		if production {
			utils.RespondWithError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		utils.RespondWithError(w, http.StatusInternalServerError, err.Error())
	}
}
