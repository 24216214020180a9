package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/CardFlight/payment-agent/internal/amount"
	"github.com/CardFlight/payment-agent/internal/core"
	"github.com/CardFlight/payment-agent/internal/errs"
	"github.com/CardFlight/payment-agent/internal/logging"
	"github.com/CardFlight/payment-agent/internal/merchant"
	"github.com/CardFlight/payment-agent/internal/record"
)

const (
	// RequestTimeout bounds every gateway call that has no earlier deadline.
	RequestTimeout = 30 * time.Second
	// UserAgent identifies the agent to the gateway
	UserAgent = "payment-agent"
	// maxErrorBody caps how much of an error response is read
	maxErrorBody = 4096
)

// HTTPClient is the JSON over HTTPS gateway client. Endpoints hang off the
// account's base URLs, so one client serves every account.
type HTTPClient struct {
	httpClient *http.Client
	version    string
}

// NewHTTPClient returns a client. version is reported to the gateway with
// every request.
func NewHTTPClient(version string) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{Timeout: RequestTimeout},
		version:    version,
	}
}

type cardBody struct {
	Number      string           `json:"number,omitempty"`
	Track2      string           `json:"track2,omitempty"`
	Expiration  string           `json:"expiration,omitempty"`
	CVV         string           `json:"cvv,omitempty"`
	Zip         string           `json:"zip,omitempty"`
	Street      string           `json:"street,omitempty"`
	InputMethod core.InputMethod `json:"inputMethod"`
	EMV         *core.EMVDetails `json:"emv,omitempty"`
	Info        core.CardInfo    `json:"info"`
}

func newCardBody(c *core.CardCapture) *cardBody {
	if c == nil {
		return nil
	}
	return &cardBody{
		Number:      c.PAN,
		Track2:      c.Track2,
		Expiration:  c.Card.Expiration,
		CVV:         c.CVV,
		Zip:         c.Zip,
		Street:      c.Street,
		InputMethod: c.Card.InputMethod,
		EMV:         c.Card.EMV,
		Info:        c.Card,
	}
}

type chargeBody struct {
	Type        record.Type       `json:"type"`
	Amount      amount.Amount     `json:"amount"`
	TipAmount   amount.Amount     `json:"tipAmount"`
	Card        *cardBody         `json:"card"`
	Reader      *core.ReaderInfo  `json:"reader,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CallbackURL string            `json:"callbackUrl,omitempty"`
	CustomerID  string            `json:"customerId,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`
	QuickChip   bool              `json:"quickChip,omitempty"`
}

type chargeResponse struct {
	Transaction       *record.Record `json:"transaction"`
	SignatureRequired bool           `json:"signatureRequired"`
}

type amountBody struct {
	Amount amount.Amount `json:"amount"`
}

type signatureResponse struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) FetchAccount(ctx context.Context, acct *merchant.Account) (*merchant.Details, error) {
	var details merchant.Details
	if err := c.do(ctx, acct, http.MethodGet, acct.BaseV1URL, "/merchant_accounts/"+url.PathEscape(acct.ID), nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

func (c *HTTPClient) Charge(ctx context.Context, acct *merchant.Account, req ChargeRequest) (*ChargeResult, error) {
	body := chargeBody{
		Type:        req.Type,
		Amount:      req.Amount,
		TipAmount:   req.TipAmount,
		Card:        newCardBody(req.Capture),
		Reader:      req.Reader,
		Metadata:    req.Metadata,
		CallbackURL: req.CallbackURL,
		CustomerID:  req.CustomerID,
		SessionID:   req.SessionID,
		QuickChip:   req.QuickChip,
	}
	var resp chargeResponse
	if err := c.do(ctx, acct, http.MethodPost, acct.BaseV1URL, "/charges", body, &resp); err != nil {
		return nil, err
	}
	if resp.Transaction == nil {
		return nil, errs.New(errs.CodeGateway, "gateway returned no transaction")
	}
	return &ChargeResult{Record: resp.Transaction, SignatureRequired: resp.SignatureRequired}, nil
}

func (c *HTTPClient) Tokenize(ctx context.Context, acct *merchant.Account, req TokenizeRequest) (*record.Record, error) {
	body := chargeBody{
		Type:        record.TypeTokenization,
		Card:        newCardBody(req.Capture),
		Reader:      req.Reader,
		Metadata:    req.Metadata,
		CallbackURL: req.CallbackURL,
		CustomerID:  req.CustomerID,
		SessionID:   req.SessionID,
	}
	var resp chargeResponse
	if err := c.do(ctx, acct, http.MethodPost, acct.BaseV1URL, "/tokens", body, &resp); err != nil {
		return nil, err
	}
	if resp.Transaction == nil {
		return nil, errs.New(errs.CodeGateway, "gateway returned no transaction")
	}
	return resp.Transaction, nil
}

func (c *HTTPClient) Void(ctx context.Context, acct *merchant.Account, id string) (*record.Record, error) {
	return c.chargeAction(ctx, acct, id, "void", nil)
}

func (c *HTTPClient) Capture(ctx context.Context, acct *merchant.Account, id string, amt amount.Amount) (*record.Record, error) {
	return c.chargeAction(ctx, acct, id, "capture", amountBody{Amount: amt})
}

func (c *HTTPClient) Refund(ctx context.Context, acct *merchant.Account, id string, amt amount.Amount) (*record.Record, error) {
	return c.chargeAction(ctx, acct, id, "refund", amountBody{Amount: amt})
}

func (c *HTTPClient) chargeAction(ctx context.Context, acct *merchant.Account, id, action string, body any) (*record.Record, error) {
	var rec record.Record
	path := "/charges/" + url.PathEscape(id) + "/" + action
	if err := c.do(ctx, acct, http.MethodPost, acct.BaseV1URL, path, body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPClient) Fetch(ctx context.Context, acct *merchant.Account, id string) (*record.Record, error) {
	var rec record.Record
	if err := c.do(ctx, acct, http.MethodGet, acct.BaseV1URL, "/charges/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPClient) UploadSignature(ctx context.Context, acct *merchant.Account, id string, png []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		acct.BaseV2URL+"/charges/"+url.PathEscape(id)+"/signature", bytes.NewReader(png))
	if err != nil {
		return "", errs.Wrap(errs.CodeInternal, err, "failed to create request")
	}
	req.Header.Set("Content-Type", "image/png")

	var resp signatureResponse
	if err := c.send(req, acct, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (c *HTTPClient) do(ctx context.Context, acct *merchant.Account, method, base, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.CodeInternal, err, "failed to encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, acct, out)
}

func (c *HTTPClient) send(req *http.Request, acct *merchant.Account, out any) error {
	req.Header.Set("Authorization", "Bearer "+acct.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent+"/"+c.version)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logging.Warn(logging.CatGateway, "Gateway request failed", map[string]any{
			"method": req.Method,
			"path":   req.URL.Path,
			"error":  err.Error(),
		})
		return errs.Wrap(errs.CodeNetwork, err, "gateway unreachable")
	}
	defer resp.Body.Close()

	logging.Debug(logging.CatGateway, "Gateway request", map[string]any{
		"method":   req.Method,
		"path":     req.URL.Path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(errs.CodeGateway, err, "failed to parse gateway response")
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body errorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := http.StatusText(resp.StatusCode)
	if json.Unmarshal(data, &body) == nil && body.Error.Message != "" {
		msg = body.Error.Message
	}

	code := errs.CodeGateway
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = errs.CodeInvalidCredentials
	case http.StatusNotFound:
		code = errs.CodeNotFound
	case http.StatusConflict, http.StatusUnprocessableEntity:
		code = errs.CodeInvalidState
	case http.StatusBadRequest:
		code = errs.CodeInvalidArgument
	}
	return errs.New(code, "%s (gateway status %d)", msg, resp.StatusCode)
}

