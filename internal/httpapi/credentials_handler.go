package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"costguardian/internal/auth"
	"costguardian/internal/logging"
	"costguardian/internal/models"
	"costguardian/internal/utils"
	"costguardian/internal/vault"
)

// CredentialsHandler manages vault entries: provider credentials and minted
// tracking tokens. Every response is masked; plaintext appears exactly once,
// in the mint response.
type CredentialsHandler struct {
	vault      *vault.Vault
	admin      *auth.Admin
	production bool
}

// NewCredentialsHandler creates the credentials handler.
func NewCredentialsHandler(v *vault.Vault, admin *auth.Admin, production bool) *CredentialsHandler {
	return &CredentialsHandler{vault: v, admin: admin, production: production}
}

type addCredentialRequest struct {
	Label  string `json:"label"`
	Secret string `json:"secret"`
}

// Collection handles /credentials - POST creates, GET lists masked.
func (h *CredentialsHandler) Collection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *CredentialsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req addCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	cred, err := h.vault.Add(r.Context(), req.Label, req.Secret)
	if err != nil {
		respondAppError(w, err, h.production)
		return
	}

	logging.Infof("credential added id=%s label=%s", cred.ID, cred.Label)
	utils.RespondWithJSON(w, http.StatusCreated, cred.Masked())
}

func (h *CredentialsHandler) list(w http.ResponseWriter, r *http.Request) {
	masked, err := h.vault.ListMasked(r.Context())
	if err != nil {
		respondAppError(w, err, h.production)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"credentials": masked,
		"count":       len(masked),
	})
}

// Item handles /credentials/{id} and /credentials/{id}/toggle.
func (h *CredentialsHandler) Item(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/credentials/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		utils.RespondWithError(w, http.StatusNotFound, "credential id is required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodDelete:
		h.remove(w, r, id)
	case action == "toggle" && r.Method == http.MethodPost:
		h.toggle(w, r, id)
	default:
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *CredentialsHandler) remove(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.vault.Remove(r.Context(), id); err != nil {
		respondAppError(w, err, h.production)
		return
	}
	logging.Infof("credential removed id=%s", id)
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "removed", "id": id})
}

type toggleRequest struct {
	Active bool `json:"active"`
}

func (h *CredentialsHandler) toggle(w http.ResponseWriter, r *http.Request, id string) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	if err := h.vault.SetActive(r.Context(), id, req.Active); err != nil {
		respondAppError(w, err, h.production)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"id": id, "active": req.Active})
}

type mintTokenRequest struct {
	Label  string `json:"label"`
	Length int    `json:"length,omitempty"`
}

type mintTokenResponse struct {
	// Token is the plaintext tracking token. It is not stored in
	// recoverable form and cannot be shown again.
	Token      string                  `json:"token"`
	Credential models.MaskedCredential `json:"credential"`
}

// MintToken handles POST /tokens - mint a tracking token.
func (h *CredentialsHandler) MintToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req mintTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	token, cred, err := h.vault.MintTrackingToken(r.Context(), req.Label, req.Length)
	if err != nil {
		respondAppError(w, err, h.production)
		return
	}

	logging.Infof("tracking token minted id=%s label=%s", cred.ID, cred.Label)
	utils.RespondWithJSON(w, http.StatusCreated, mintTokenResponse{
		Token:      token,
		Credential: cred.Masked(),
	})
}

type exchangeRequest struct {
	AdminKey string `json:"admin_key"`
}

// ExchangeToken handles POST /auth/token - trade the admin key for a
// short-lived JWT.
func (h *CredentialsHandler) ExchangeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	token, expiresAt, err := h.admin.Exchange(req.AdminKey)
	if err != nil {
		utils.RespondWithError(w, http.StatusUnauthorized, "invalid admin key")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt,
	})
}
