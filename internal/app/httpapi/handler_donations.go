package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/fundraiser/internal/app/services/donations"
	"github.com/R3E-Network/fundraiser/internal/httputil"
)

func (h *handler) listDonations(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Donations.ListForCampaign(r.Context(), mux.Vars(r)["campaignId"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, "Donation Route Reached", list)
}

func (h *handler) donationSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.app.Donations.Summary(r.Context(), mux.Vars(r)["campaignId"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, "Donation Summary", summary)
}

func (h *handler) addDonation(w http.ResponseWriter, r *http.Request) {
	var payload donations.AddInput
	if !httputil.DecodeJSON(w, r, &payload) {
		return
	}
	d, err := h.app.Donations.Add(r.Context(), payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusCreated, "Donation Added", d)
}

func (h *handler) verifyDonation(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	d, err := h.app.Donations.Verify(r.Context(), userID, mux.Vars(r)["donationId"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, "Donation Verified", d)
}
