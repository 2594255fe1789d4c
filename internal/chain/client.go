package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

const (
	headerAPIKey       = "X-Api-Key"
	defaultHTTPTimeout = 10 * time.Second

	gatewayStateIncluded = "included"
	gatewayStateFailed   = "failed"
)

// GatewayConfig configures the signing-gateway client. The gateway
// holds the master-account key; this process only carries an API
// credential and the deployed token contract address.
type GatewayConfig struct {
	BaseURL         string
	APIKey          string
	ContractAddress string
	HTTPTimeout     time.Duration
}

// GatewayClient is a TokenClient backed by a custodial signing gateway.
type GatewayClient struct {
	baseURL    string
	apiKey     string
	contract   string
	httpClient *http.Client
}

// NewGatewayClient validates the configuration and returns a client.
func NewGatewayClient(cfg GatewayConfig) (*GatewayClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chain gateway base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("chain gateway base url: %w", err)
	}
	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("token contract address is required")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &GatewayClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		contract:   cfg.ContractAddress,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Decimals fetches the token's decimal precision.
func (client *GatewayClient) Decimals(ctx context.Context) (int32, error) {
	var response struct {
		Decimals int32 `json:"decimals"`
	}
	path := fmt.Sprintf("/v1/contracts/%s/decimals", url.PathEscape(client.contract))
	if err := client.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return 0, fmt.Errorf("fetch decimals: %w", err)
	}
	return response.Decimals, nil
}

// Transfer asks the gateway to sign and broadcast a token transfer from
// the master account. It returns once the RPC node accepts the
// transaction.
func (client *GatewayClient) Transfer(ctx context.Context, toAddr string, amount decimal.Decimal) (TransferReceipt, error) {
	request := struct {
		To     string `json:"to"`
		Amount string `json:"amount"`
	}{To: toAddr, Amount: amount.String()}
	var response struct {
		TxHash string `json:"tx_hash"`
		From   string `json:"from"`
	}
	path := fmt.Sprintf("/v1/contracts/%s/transfer", url.PathEscape(client.contract))
	if err := client.do(ctx, http.MethodPost, path, request, &response); err != nil {
		return TransferReceipt{}, fmt.Errorf("submit transfer: %w", err)
	}
	if response.TxHash == "" {
		return TransferReceipt{}, fmt.Errorf("submit transfer: gateway returned empty tx hash")
	}
	return TransferReceipt{TxHash: response.TxHash, FromAddr: response.From}, nil
}

// TransactionState polls the gateway for inclusion of a submitted
// transaction.
func (client *GatewayClient) TransactionState(ctx context.Context, txHash string) (TransferState, error) {
	var response struct {
		State         string `json:"state"`
		BlockNumber   int64  `json:"block_number"`
		Confirmations int64  `json:"confirmations"`
	}
	path := fmt.Sprintf("/v1/transactions/%s", url.PathEscape(txHash))
	if err := client.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return TransferState{}, fmt.Errorf("fetch transaction state: %w", err)
	}
	return TransferState{
		Included:      response.State == gatewayStateIncluded,
		Failed:        response.State == gatewayStateFailed,
		BlockNumber:   response.BlockNumber,
		Confirmations: response.Confirmations,
	}, nil
}

func (client *GatewayClient) do(ctx context.Context, method string, path string, requestBody any, responseBody any) error {
	var reader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	if client.apiKey != "" {
		request.Header.Set(headerAPIKey, client.apiKey)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("gateway status %d: %s", response.StatusCode, string(payload))
	}
	if responseBody == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(responseBody)
}
