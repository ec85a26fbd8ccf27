package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/fundraiser/internal/app/domain/campaign"
	"github.com/R3E-Network/fundraiser/internal/app/services/campaigns"
	svcerrors "github.com/R3E-Network/fundraiser/internal/errors"
	"github.com/R3E-Network/fundraiser/internal/httputil"
)

func (h *handler) listCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.app.Campaigns.List(r.Context(), q.Get("owner"), q.Get("status"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, "Campaigns found.", list)
}

func (h *handler) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.app.Campaigns.Get(r.Context(), mux.Vars(r)["campaignId"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, "Campaign Found.", c)
}

// addCampaign accepts JSON or a multipart form carrying the cover image in
// "file" and the wallets as a JSON string.
func (h *handler) addCampaign(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}

	var in campaigns.CreateInput
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		parsed, err := h.parseCampaignForm(w, r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		in = parsed
	} else if !httputil.DecodeJSON(w, r, &in) {
		return
	}

	created, err := h.app.Campaigns.Create(r.Context(), userID, in)
	if err != nil {
		if in.Image != "" && r.MultipartForm != nil {
			if path, ok := h.uploads.path(in.Image); ok {
				_ = os.Remove(path)
			}
		}
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusCreated, "Campaign Added", created)
}

func (h *handler) parseCampaignForm(w http.ResponseWriter, r *http.Request) (campaigns.CreateInput, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.uploads.maxBytes+(1<<20))
	if err := r.ParseMultipartForm(h.uploads.maxBytes); err != nil {
		return campaigns.CreateInput{}, svcerrors.BadRequest("invalid multipart form: " + err.Error())
	}

	in := campaigns.CreateInput{
		Title:  r.FormValue("title"),
		Story:  r.FormValue("story"),
		Image:  r.FormValue("image"),
		Status: r.FormValue("status"),
	}
	if raw := strings.TrimSpace(r.FormValue("target")); raw != "" {
		target, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return in, svcerrors.InvalidFormat("target", "number")
		}
		in.Target = target
	}
	if raw := strings.TrimSpace(r.FormValue("expiryDate")); raw != "" {
		expiry, err := campaign.ParseDate(raw)
		if err != nil {
			return in, svcerrors.InvalidFormat("expiryDate", "RFC3339 timestamp or YYYY-MM-DD")
		}
		in.ExpiryDate = campaign.Date{Time: expiry}
	}
	if raw := strings.TrimSpace(r.FormValue("wallets")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &in.Wallets); err != nil {
			return in, svcerrors.InvalidFormat("wallets", "JSON array of {name, walletAddress}")
		}
	}

	file, header, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		return in, svcerrors.BadRequest("invalid file upload")
	default:
		defer file.Close()
		name, err := h.uploads.save(file, header)
		if err != nil {
			return in, err
		}
		in.Image = name
	}
	return in, nil
}

func (h *handler) updateCampaign(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var payload campaigns.UpdateInput
	if !httputil.DecodeJSON(w, r, &payload) {
		return
	}
	c, err := h.app.Campaigns.Update(r.Context(), userID, mux.Vars(r)["campaignId"], payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, "Campaign Updated", c)
}

func (h *handler) updateCampaignStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Status string `json:"status"`
	}
	if !httputil.DecodeJSON(w, r, &payload) {
		return
	}
	c, err := h.app.Campaigns.UpdateStatus(r.Context(), userID, mux.Vars(r)["campaignId"], payload.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, "Campaign Status Updated", c)
}
