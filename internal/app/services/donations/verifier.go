package donations

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/fundraiser/internal/httputil"
	"github.com/R3E-Network/fundraiser/internal/wallet"
	"github.com/R3E-Network/fundraiser/pkg/logger"
)

// Check is what a verifier is asked to confirm.
type Check struct {
	TransactionID string
	WalletAddress string
	Amount        float64
}

// Result is a verifier's answer. Reason explains a negative answer.
type Result struct {
	Confirmed bool
	Reason    string
}

// Verifier confirms that a transaction paid a wallet at least the amount.
type Verifier interface {
	Verify(ctx context.Context, check Check) (Result, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, check Check) (Result, error)

func (f VerifierFunc) Verify(ctx context.Context, check Check) (Result, error) {
	return f(ctx, check)
}

// ExplorerConfig describes a block explorer JSON API. TxPath is a URL path
// template where {tx} is replaced by the transaction id; the remaining paths
// are gjson expressions evaluated against the response body.
type ExplorerConfig struct {
	BaseURL       string
	APIKey        string
	TxPath        string
	ConfirmedPath string
	ToPath        string
	AmountPath    string
}

// HTTPVerifier queries a block explorer over HTTP.
type HTTPVerifier struct {
	client *httputil.Client
	cfg    ExplorerConfig
	log    *logger.Logger
}

// NewHTTPVerifier constructs a verifier using the provided client.
func NewHTTPVerifier(client *httputil.Client, cfg ExplorerConfig, log *logger.Logger) (*HTTPVerifier, error) {
	if client == nil {
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("verifier endpoint required")
		}
		client = httputil.NewClient(httputil.ClientConfig{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey})
	}
	if cfg.TxPath == "" {
		cfg.TxPath = "/tx/{tx}"
	}
	if !strings.Contains(cfg.TxPath, "{tx}") {
		return nil, fmt.Errorf("verifier tx path %q has no {tx} placeholder", cfg.TxPath)
	}
	if cfg.ConfirmedPath == "" {
		cfg.ConfirmedPath = "confirmed"
	}
	if cfg.ToPath == "" {
		cfg.ToPath = "to"
	}
	if cfg.AmountPath == "" {
		cfg.AmountPath = "amount"
	}
	if log == nil {
		log = logger.NewDefault("donation-verifier")
	}
	return &HTTPVerifier{client: client, cfg: cfg, log: log}, nil
}

func (v *HTTPVerifier) Verify(ctx context.Context, check Check) (Result, error) {
	path := strings.ReplaceAll(v.cfg.TxPath, "{tx}", url.PathEscape(check.TransactionID))
	body, err := v.client.Get(ctx, path)
	if err != nil {
		return Result{}, fmt.Errorf("explorer lookup %s: %w", check.TransactionID, err)
	}
	if !gjson.ValidBytes(body) {
		return Result{}, fmt.Errorf("explorer returned invalid JSON for %s", check.TransactionID)
	}

	confirmed := gjson.GetBytes(body, v.cfg.ConfirmedPath)
	if !confirmed.Exists() || !confirmed.Bool() {
		return Result{Reason: "transaction not confirmed"}, nil
	}

	to := gjson.GetBytes(body, v.cfg.ToPath).String()
	if !wallet.Equal(to, check.WalletAddress) {
		return Result{Reason: fmt.Sprintf("transaction paid %q, not the campaign wallet", to)}, nil
	}

	amount, err := parseAmount(gjson.GetBytes(body, v.cfg.AmountPath))
	if err != nil {
		return Result{}, fmt.Errorf("explorer amount for %s: %w", check.TransactionID, err)
	}
	if amount+1e-9 < check.Amount {
		return Result{Reason: fmt.Sprintf("transaction amount %v is below the recorded %v", amount, check.Amount)}, nil
	}

	v.log.WithField("tx", check.TransactionID).Debug("transaction confirmed")
	return Result{Confirmed: true}, nil
}

// parseAmount accepts explorer amounts given either as numbers or strings.
func parseAmount(res gjson.Result) (float64, error) {
	switch res.Type {
	case gjson.Number:
		return res.Float(), nil
	case gjson.String:
		return strconv.ParseFloat(strings.TrimSpace(res.Str), 64)
	default:
		return 0, fmt.Errorf("missing or non-numeric amount")
	}
}
