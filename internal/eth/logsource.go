package eth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RawLog is one entry from an etherscan-style getLogs response. Numeric
// fields arrive hex-encoded.
type RawLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TimeStamp       string   `json:"timeStamp"`
	LogIndex        string   `json:"logIndex"`
	TransactionHash string   `json:"transactionHash"`
}

// LogSource is the catch-up read path of a chain family: latest height plus
// paginated transfer logs for one token contract.
type LogSource interface {
	LatestBlockNumber(ctx context.Context, chain models.Chain, apiKey string) (uint64, error)
	TransferLogs(ctx context.Context, chain models.Chain, apiKey string, token string, fromBlock, toBlock uint64) ([]RawLog, error)
}

type logsResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Result  []RawLog `json:"result"`
}

type proxyResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// EtherscanLogSource talks to the unified etherscan v2 API; the target chain
// is selected by the chainid query parameter.
type EtherscanLogSource struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewEtherscanLogSource(timeout time.Duration, requestsPerSecond float64) *EtherscanLogSource {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	return &EtherscanLogSource{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

func (e *EtherscanLogSource) LatestBlockNumber(ctx context.Context, chain models.Chain, apiKey string) (uint64, error) {
	params := url.Values{}
	params.Set("chainid", strconv.FormatUint(chain.ChainID, 10))
	params.Set("module", "proxy")
	params.Set("action", "eth_blockNumber")
	params.Set("apikey", apiKey)

	body, err := e.get(ctx, chain.RPCURL, params)
	if err != nil {
		return 0, err
	}

	var resp proxyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode block number response: %w", err)
	}
	if resp.Error != nil {
		return 0, fmt.Errorf("log source error: %s", resp.Error.Message)
	}
	return ParseHexUint(resp.Result)
}

func (e *EtherscanLogSource) TransferLogs(ctx context.Context, chain models.Chain, apiKey string, token string, fromBlock, toBlock uint64) ([]RawLog, error) {
	pageSize := chain.LogsRange
	if pageSize <= 0 {
		pageSize = 1000
	}

	var all []RawLog
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("chainid", strconv.FormatUint(chain.ChainID, 10))
		params.Set("module", "logs")
		params.Set("action", "getLogs")
		params.Set("address", models.NormalizeAddress(token))
		params.Set("topic0", TransferTopic.Hex())
		params.Set("fromBlock", strconv.FormatUint(fromBlock, 10))
		params.Set("toBlock", strconv.FormatUint(toBlock, 10))
		params.Set("page", strconv.Itoa(page))
		params.Set("offset", strconv.Itoa(pageSize))
		params.Set("apikey", apiKey)

		body, err := e.get(ctx, chain.RPCURL, params)
		if err != nil {
			return nil, err
		}

		var resp logsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode logs response: %w", err)
		}
		if resp.Status != "1" {
			// The API reports an empty window as an error status.
			if strings.Contains(resp.Message, "No records found") {
				break
			}
			return nil, fmt.Errorf("log source error: %s", resp.Message)
		}

		all = append(all, resp.Result...)
		if len(resp.Result) < pageSize {
			break
		}
	}

	zap.L().Debug("Fetched transfer logs",
		zap.Uint64("chainId", chain.ChainID),
		zap.String("token", token),
		zap.Uint64("fromBlock", fromBlock),
		zap.Uint64("toBlock", toBlock),
		zap.Int("count", len(all)))
	return all, nil
}

func (e *EtherscanLogSource) get(ctx context.Context, baseURL string, params url.Values) ([]byte, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build log source request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("log source request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("log source returned HTTP %d", resp.StatusCode)
	}

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read log source response: %w", err)
	}
	return buf, nil
}
