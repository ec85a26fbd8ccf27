package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/fundraiser/internal/app/services/users"
	"github.com/R3E-Network/fundraiser/internal/httputil"
)

func (h *handler) listUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Users.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, "User Route Reached", list)
}

func (h *handler) addUser(w http.ResponseWriter, r *http.Request) {
	var payload users.CreateInput
	if !httputil.DecodeJSON(w, r, &payload) {
		return
	}
	created, err := h.app.Users.Create(r.Context(), payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusCreated, "New User added", created)
}

func (h *handler) getProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	u, err := h.app.Users.Get(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, "User Found", u)
}

func (h *handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var payload users.UpdateInput
	if !httputil.DecodeJSON(w, r, &payload) {
		return
	}
	u, err := h.app.Users.Update(r.Context(), userID, payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, "User Updated", u)
}

func (h *handler) myCampaigns(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	list, err := h.app.Campaigns.List(r.Context(), userID, r.URL.Query().Get("status"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, "Campaigns found.", list)
}

func (h *handler) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.app.Users.GetByAlias(r.Context(), mux.Vars(r)["alias"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, "User Found", u)
}

func (h *handler) requestOTP(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email string `json:"email"`
	}
	if !httputil.DecodeJSON(w, r, &payload) {
		return
	}
	if err := h.app.Users.RequestOTP(r.Context(), payload.Email); err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, "OTP sent", nil)
}

func (h *handler) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
	}
	if !httputil.DecodeJSON(w, r, &payload) {
		return
	}
	session, err := h.app.Users.VerifyOTP(r.Context(), payload.Email, payload.OTP)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, "Login successful", session)
}
