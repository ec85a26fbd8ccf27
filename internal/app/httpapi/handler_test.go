package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	app "github.com/R3E-Network/fundraiser/internal/app"
	"github.com/R3E-Network/fundraiser/internal/app/events"
	"github.com/R3E-Network/fundraiser/internal/app/services/donations"
	"github.com/R3E-Network/fundraiser/internal/auth"
	"github.com/R3E-Network/fundraiser/pkg/logger"
)

const (
	testWallet      = "0x1111111111111111111111111111111111111111"
	testOtherWallet = "0x2222222222222222222222222222222222222222"
)

type envelope struct {
	OK    bool            `json:"ok"`
	Msg   string          `json:"msg"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

type testAPI struct {
	app    *app.Application
	router *Router
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{
		Tokens: auth.NewTokenManager("handler-test-secret", "fundraiser", time.Hour),
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	router, err := NewHandler(application, Config{
		UploadDir:      t.TempDir(),
		AllowedOrigins: []string{"*"},
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	if err := application.Attach(router); err != nil {
		t.Fatalf("attach router: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("start application: %v", err)
	}
	t.Cleanup(func() { _ = application.Stop(context.Background()) })
	return &testAPI{app: application, router: router}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, token string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(marshal(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	a.router.ServeHTTP(resp, req)

	var env envelope
	if resp.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(resp.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s response: %v (%s)", method, path, err, resp.Body.String())
		}
	}
	return resp, env
}

// signup creates a user and returns its id and a bearer token.
func (a *testAPI) signup(t *testing.T, email, alias string) (string, string) {
	t.Helper()
	resp, env := a.do(t, http.MethodPost, "/users", map[string]any{"email": email, "alias": alias}, "")
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating user, got %d: %s", resp.Code, resp.Body.String())
	}
	var u struct {
		ID string `json:"id"`
	}
	mustDecode(t, env.Data, &u)
	token, _, err := a.app.Tokens.Issue(u.ID, email, alias)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return u.ID, token
}

func (a *testAPI) createCampaign(t *testing.T, token, status string) string {
	t.Helper()
	body := map[string]any{
		"title":      "Clean water",
		"story":      "A well for the village",
		"target":     1000,
		"wallets":    []map[string]string{{"name": "main", "walletAddress": testWallet}},
		"expiryDate": time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
		"status":     status,
	}
	resp, env := a.do(t, http.MethodPost, "/campaigns", body, token)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating campaign, got %d: %s", resp.Code, resp.Body.String())
	}
	if env.Msg != "Campaign Added" {
		t.Fatalf("unexpected msg %q", env.Msg)
	}
	var c struct {
		ID string `json:"id"`
	}
	mustDecode(t, env.Data, &c)
	return c.ID
}

func TestUserRoutes(t *testing.T) {
	api := newTestAPI(t)

	resp, env := api.do(t, http.MethodGet, "/users", nil, "")
	if resp.Code != http.StatusOK || !env.OK || env.Msg != "User Route Reached" {
		t.Fatalf("unexpected list response %d %+v", resp.Code, env)
	}

	resp, env = api.do(t, http.MethodPost, "/users", map[string]any{"email": "ann@example.com", "alias": "ann"}, "")
	if resp.Code != http.StatusCreated || env.Msg != "New User added" {
		t.Fatalf("unexpected create response %d %+v", resp.Code, env)
	}

	resp, env = api.do(t, http.MethodPost, "/users", map[string]any{"email": "ann@example.com", "alias": "ann2"}, "")
	if resp.Code != http.StatusBadRequest || env.Error != "email already in use" {
		t.Fatalf("expected duplicate email error, got %d %+v", resp.Code, env)
	}

	resp, env = api.do(t, http.MethodPost, "/users", map[string]any{"email": "bob@example.com", "alias": "ann"}, "")
	if resp.Code != http.StatusBadRequest || env.Error != "alias already in use" {
		t.Fatalf("expected duplicate alias error, got %d %+v", resp.Code, env)
	}

	resp, env = api.do(t, http.MethodGet, "/users/ann", nil, "")
	if resp.Code != http.StatusOK || env.Msg != "User Found" {
		t.Fatalf("unexpected alias lookup %d %+v", resp.Code, env)
	}

	resp, _ = api.do(t, http.MethodGet, "/users/nobody", nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown alias, got %d", resp.Code)
	}
}

func TestProfileRequiresKnownUser(t *testing.T) {
	api := newTestAPI(t)

	resp, env := api.do(t, http.MethodGet, "/users/me", nil, "")
	if resp.Code != http.StatusUnauthorized || env.OK {
		t.Fatalf("expected 401 without token, got %d %+v", resp.Code, env)
	}

	token, _, err := api.app.Tokens.Issue("ghost", "ghost@example.com", "ghost")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	resp, env = api.do(t, http.MethodGet, "/users/me", nil, token)
	if resp.Code != http.StatusUnauthorized || env.OK || env.Msg != "User does not exist." {
		t.Fatalf("expected unknown user response, got %d %+v", resp.Code, env)
	}

	_, token = api.signup(t, "carol@example.com", "carol")
	resp, env = api.do(t, http.MethodPatch, "/users/me", map[string]any{"name": "Carol"}, token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 updating profile, got %d %s", resp.Code, resp.Body.String())
	}
	var u struct {
		Name string `json:"name"`
	}
	mustDecode(t, env.Data, &u)
	if u.Name != "Carol" {
		t.Fatalf("expected name to be updated, got %q", u.Name)
	}
}

func TestCampaignRoutes(t *testing.T) {
	api := newTestAPI(t)
	_, ownerToken := api.signup(t, "owner@example.com", "owner")
	_, otherToken := api.signup(t, "other@example.com", "other")

	id := api.createCampaign(t, ownerToken, "")

	resp, env := api.do(t, http.MethodGet, "/campaigns", nil, "")
	if resp.Code != http.StatusOK || env.Msg != "Campaigns found." {
		t.Fatalf("unexpected list response %d %+v", resp.Code, env)
	}
	var list []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	mustDecode(t, env.Data, &list)
	if len(list) != 1 || list[0].ID != id || list[0].Status != "DRAFT" {
		t.Fatalf("unexpected campaigns %+v", list)
	}

	_, env = api.do(t, http.MethodGet, "/users/me", nil, ownerToken)
	var owner struct {
		Campaigns []string `json:"campaigns"`
	}
	mustDecode(t, env.Data, &owner)
	if len(owner.Campaigns) != 1 || owner.Campaigns[0] != id {
		t.Fatalf("expected owner to list campaign %s, got %v", id, owner.Campaigns)
	}

	resp, env = api.do(t, http.MethodGet, "/campaigns/"+id, nil, "")
	if resp.Code != http.StatusOK || env.Msg != "Campaign Found." {
		t.Fatalf("unexpected get response %d %+v", resp.Code, env)
	}

	resp, env = api.do(t, http.MethodGet, "/campaigns/missing", nil, "")
	if resp.Code != http.StatusNotFound || env.OK || env.Msg != "Campaign not found." {
		t.Fatalf("expected not found response, got %d %+v", resp.Code, env)
	}

	resp, _ = api.do(t, http.MethodPost, "/campaigns", map[string]any{"title": "x"}, "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 creating without token, got %d", resp.Code)
	}

	resp, _ = api.do(t, http.MethodPatch, "/campaigns/"+id+"/status", map[string]any{"status": "PUBLISHED"}, otherToken)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d", resp.Code)
	}

	resp, _ = api.do(t, http.MethodPatch, "/campaigns/"+id+"/status", map[string]any{"status": "PAUSED"}, ownerToken)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", resp.Code)
	}

	resp, env = api.do(t, http.MethodPatch, "/campaigns/"+id+"/status", map[string]any{"status": "PUBLISHED"}, ownerToken)
	if resp.Code != http.StatusOK || env.Msg != "Campaign Status Updated" {
		t.Fatalf("expected publish to succeed, got %d %+v", resp.Code, env)
	}

	resp, env = api.do(t, http.MethodPatch, "/campaigns/"+id, map[string]any{"title": "Cleaner water"}, ownerToken)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 editing campaign, got %d %s", resp.Code, resp.Body.String())
	}

	resp, env = api.do(t, http.MethodGet, "/users/me/campaigns", nil, ownerToken)
	mustDecode(t, env.Data, &list)
	if resp.Code != http.StatusOK || len(list) != 1 {
		t.Fatalf("expected one owned campaign, got %d %+v", resp.Code, list)
	}

	dated := map[string]any{
		"title":      "Dated",
		"story":      "Expiry given as a calendar date",
		"target":     10,
		"wallets":    []map[string]string{{"name": "main", "walletAddress": testWallet}},
		"expiryDate": "2099-01-01",
	}
	resp, env = api.do(t, http.MethodPost, "/campaigns", dated, ownerToken)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 for date-only expiry, got %d: %s", resp.Code, resp.Body.String())
	}
	var created struct {
		ID         string    `json:"id"`
		ExpiryDate time.Time `json:"expiryDate"`
	}
	mustDecode(t, env.Data, &created)
	if !created.ExpiryDate.Equal(time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected expiry %v", created.ExpiryDate)
	}

	resp, _ = api.do(t, http.MethodPatch, "/campaigns/"+created.ID, map[string]any{"expiryDate": "2099-06-30"}, ownerToken)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 editing date-only expiry, got %d %s", resp.Code, resp.Body.String())
	}

	dated["expiryDate"] = "soon"
	resp, _ = api.do(t, http.MethodPost, "/campaigns", dated, ownerToken)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed expiry, got %d", resp.Code)
	}
}

func TestCampaignMultipartUpload(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.signup(t, "maker@example.com", "maker")

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	_ = form.WriteField("title", "School roof")
	_ = form.WriteField("story", "Rain gets in")
	_ = form.WriteField("target", "250.5")
	_ = form.WriteField("expiryDate", time.Now().Add(96*time.Hour).UTC().Format("2006-01-02"))
	_ = form.WriteField("wallets", `[{"name":"main","walletAddress":"`+testWallet+`"}]`)
	part, err := form.CreateFormFile("file", "roof.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("\x89PNG\r\n\x1a\nfake"))
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/campaigns", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	api.router.ServeHTTP(resp, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var env envelope
	if err := json.Unmarshal(resp.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var c struct {
		Image   string  `json:"image"`
		Target  float64 `json:"target"`
		Wallets []struct {
			Address string `json:"walletAddress"`
		} `json:"wallets"`
	}
	mustDecode(t, env.Data, &c)
	if c.Image == "" || !strings.HasSuffix(c.Image, ".png") || c.Target != 250.5 || len(c.Wallets) != 1 {
		t.Fatalf("unexpected campaign %+v", c)
	}

	resp = httptest.NewRecorder()
	api.router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/uploads/"+c.Image, nil))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "fake") {
		t.Fatalf("expected uploaded file to be served, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	api.router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/uploads/.env", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for traversal, got %d", resp.Code)
	}
}

func TestDonationRoutes(t *testing.T) {
	api := newTestAPI(t)
	_, ownerToken := api.signup(t, "host@example.com", "host")
	_, otherToken := api.signup(t, "guest@example.com", "guest")
	id := api.createCampaign(t, ownerToken, "PUBLISHED")

	resp, env := api.do(t, http.MethodGet, "/campaigns/"+id+"/donations", nil, "")
	if resp.Code != http.StatusOK || env.Msg != "Donation Route Reached" || string(env.Data) != "[]" {
		t.Fatalf("expected empty donations, got %d %+v", resp.Code, env)
	}

	donation := map[string]any{
		"campaignId":    id,
		"transactionId": "0xtx1",
		"walletAddress": testWallet,
		"amount":        25,
		"isAnonymous":   true,
		"donor":         map[string]string{"firstName": "Dee"},
	}
	resp, env = api.do(t, http.MethodPost, "/donations", donation, "")
	if resp.Code != http.StatusCreated || env.Msg != "Donation Added" {
		t.Fatalf("expected donation added, got %d %+v", resp.Code, env)
	}
	var created struct {
		ID string `json:"id"`
	}
	mustDecode(t, env.Data, &created)

	resp, env = api.do(t, http.MethodPost, "/donations", donation, "")
	if resp.Code != http.StatusConflict || env.Error != "transaction already recorded" {
		t.Fatalf("expected duplicate transaction, got %d %+v", resp.Code, env)
	}

	donation["transactionId"] = "0xtx2"
	donation["walletAddress"] = testOtherWallet
	resp, _ = api.do(t, http.MethodPost, "/donations", donation, "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown wallet, got %d", resp.Code)
	}

	resp, env = api.do(t, http.MethodGet, "/campaigns/"+id+"/donations", nil, "")
	var list []struct {
		Donor any `json:"donor"`
	}
	mustDecode(t, env.Data, &list)
	if resp.Code != http.StatusOK || len(list) != 1 || list[0].Donor != nil {
		t.Fatalf("expected one redacted donation, got %+v", list)
	}

	resp, env = api.do(t, http.MethodGet, "/campaigns/"+id+"/summary", nil, "")
	var summary struct {
		Raised  float64 `json:"raised"`
		Pending float64 `json:"pending"`
		Count   int     `json:"count"`
	}
	mustDecode(t, env.Data, &summary)
	if resp.Code != http.StatusOK || summary.Raised != 0 || summary.Pending != 25 || summary.Count != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	resp, _ = api.do(t, http.MethodPost, "/donations/"+created.ID+"/verify", nil, otherToken)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 verifying someone else's donation, got %d", resp.Code)
	}

	resp, _ = api.do(t, http.MethodGet, "/campaigns/missing/donations", nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing campaign, got %d", resp.Code)
	}
}

func TestDonationVerifyWithVerifier(t *testing.T) {
	api := newTestAPI(t)
	api.app.Donations.AttachDependencies(donations.VerifierFunc(func(ctx context.Context, check donations.Check) (donations.Result, error) {
		return donations.Result{Confirmed: true}, nil
	}), nil, api.app.Events)

	_, token := api.signup(t, "verifier@example.com", "verifier")
	id := api.createCampaign(t, token, "PUBLISHED")

	_, env := api.do(t, http.MethodPost, "/donations", map[string]any{
		"campaignId":    id,
		"transactionId": "0xverified",
		"walletAddress": testWallet,
		"amount":        40,
	}, "")
	var created struct {
		ID string `json:"id"`
	}
	mustDecode(t, env.Data, &created)

	resp, env := api.do(t, http.MethodPost, "/donations/"+created.ID+"/verify", nil, token)
	if resp.Code != http.StatusOK || env.Msg != "Donation Verified" {
		t.Fatalf("expected verification, got %d %+v", resp.Code, env)
	}

	_, env = api.do(t, http.MethodGet, "/campaigns/"+id+"/summary", nil, "")
	var summary struct {
		Raised float64 `json:"raised"`
	}
	mustDecode(t, env.Data, &summary)
	if summary.Raised != 40 {
		t.Fatalf("expected raised 40, got %v", summary.Raised)
	}
}

func TestLiveFeed(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.signup(t, "live@example.com", "live")
	id := api.createCampaign(t, token, "PUBLISHED")

	server := httptest.NewServer(api.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/campaigns/" + id + "/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial live feed: %v", err)
	}
	defer conn.Close()

	_, err = api.app.Donations.Add(context.Background(), donations.AddInput{
		CampaignID:    id,
		TransactionID: "0xlive",
		WalletAddress: testWallet,
		Amount:        3,
	})
	if err != nil {
		t.Fatalf("add donation: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var evt events.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != events.DonationCreated || evt.CampaignID != id || evt.Donation.TransactionID != "0xlive" {
		t.Fatalf("unexpected event %+v", evt)
	}

	resp, _ := api.do(t, http.MethodGet, "/campaigns/missing/live", nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown campaign feed, got %d", resp.Code)
	}
}

func TestSupportingEndpoints(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.signup(t, "audit@example.com", "auditor")

	resp := httptest.NewRecorder()
	api.router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "http-api") {
		t.Fatalf("unexpected healthz %d %s", resp.Code, resp.Body.String())
	}

	resp = httptest.NewRecorder()
	api.router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK || resp.Body.Len() == 0 {
		t.Fatalf("expected metrics output, got %d", resp.Code)
	}

	api.createCampaign(t, token, "")

	resp, env := api.do(t, http.MethodGet, "/audit", nil, token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 audit, got %d", resp.Code)
	}
	var entries []auditEntry
	mustDecode(t, env.Data, &entries)
	if len(entries) != 1 || entries[0].Path != "/campaigns" || entries[0].Status != http.StatusCreated {
		t.Fatalf("unexpected audit entries %+v", entries)
	}

	resp, _ = api.do(t, http.MethodGet, "/audit", nil, "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 audit without token, got %d", resp.Code)
	}

	resp, _ = api.do(t, http.MethodGet, "/nowhere", nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", resp.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodOptions, "/campaigns", nil)
	req.Header.Set("Origin", "https://app.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp := httptest.NewRecorder()
	api.router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", resp.Code)
	}
	if resp.Header().Get("Access-Control-Allow-Origin") != "https://app.example.org" {
		t.Fatalf("missing allow origin header")
	}
}

func marshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func mustDecode(t *testing.T, raw json.RawMessage, dst any) {
	t.Helper()
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode data %s: %v", string(raw), err)
	}
}
