package etherscan

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/dfarchon/darkforest-mud-sub002/log"
	"github.com/dghubble/sling"
	"golang.org/x/time/rate"
)

const (
	defaultMaxIdleConns    = 10
	defaultIdleConnTimeout = 2 * time.Second
	statusOK               = "1"
)

var gwei = big.NewFloat(1e9)

type etherscanResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Result  GasPriceEtherscan `json:"result"`
}

type gasOracleParams struct {
	Module string `url:"module"`
	Action string `url:"action"`
	APIKey string `url:"apikey,omitempty"`
}

// GasPriceEtherscan definition.  Prices are expressed in gwei.
type GasPriceEtherscan struct {
	LastBlock       string `json:"LastBlock"`
	SafeGasPrice    string `json:"SafeGasPrice"`
	ProposeGasPrice string `json:"ProposeGasPrice"`
	FastGasPrice    string `json:"FastGasPrice"`
}

// GasPrices are the oracle prices converted to wei
type GasPrices struct {
	Safe    *big.Int
	Propose *big.Int
	Fast    *big.Int
}

// Wei converts the oracle prices to wei
func (g *GasPriceEtherscan) Wei() (*GasPrices, error) {
	safe, err := gweiToWei(g.SafeGasPrice)
	if err != nil {
		return nil, common.Wrap(err)
	}
	propose, err := gweiToWei(g.ProposeGasPrice)
	if err != nil {
		return nil, common.Wrap(err)
	}
	fast, err := gweiToWei(g.FastGasPrice)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &GasPrices{Safe: safe, Propose: propose, Fast: fast}, nil
}

func gweiToWei(s string) (*big.Int, error) {
	f, ok := new(big.Float).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid gwei amount %q", s)
	}
	wei, _ := new(big.Float).Mul(f, gwei).Int(nil)
	return wei, nil
}

// Config of the etherscan Service
type Config struct {
	// URL of the etherscan compatible API
	URL string
	// APIKey used in every request
	APIKey string
	// RequestsPerSecond is the maximum rate of requests sent to the API
	RequestsPerSecond float64
	// CacheTTL is the time during which a fetched gas price is reused
	CacheTTL time.Duration
}

// Service definition
type Service struct {
	clientEtherscan *sling.Sling
	apiKey          string
	limiter         *rate.Limiter
	cacheTTL        time.Duration

	rw       sync.RWMutex
	cached   *GasPriceEtherscan
	cachedAt time.Time
}

// Client is the interface to a gas price oracle
type Client interface {
	// Blocking.  Returns the gas price.
	GetGasPrice(ctx context.Context) (*GasPriceEtherscan, error)
}

// NewEtherscanService is the constructor that creates an etherscanService
func NewEtherscanService(cfg Config) (*Service, error) {
	if cfg.URL == "" {
		return nil, common.Wrap(fmt.Errorf("etherscan URL is empty"))
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	tr := &http.Transport{
		MaxIdleConns:       defaultMaxIdleConns,
		IdleConnTimeout:    defaultIdleConnTimeout,
		DisableCompression: true,
	}
	httpClient := &http.Client{Transport: tr}
	return &Service{
		clientEtherscan: sling.New().Base(cfg.URL).Client(httpClient),
		apiKey:          cfg.APIKey,
		limiter:         rate.NewLimiter(limit, 1),
		cacheTTL:        cfg.CacheTTL,
	}, nil
}

// GetGasPrice returns the gas oracle prices, reusing the last fetched ones
// while they are younger than the cache TTL
func (s *Service) GetGasPrice(ctx context.Context) (*GasPriceEtherscan, error) {
	s.rw.RLock()
	if s.cached != nil && time.Since(s.cachedAt) < s.cacheTTL {
		cached := *s.cached
		s.rw.RUnlock()
		return &cached, nil
	}
	s.rw.RUnlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, common.Wrap(err)
	}
	params := &gasOracleParams{Module: "gastracker", Action: "gasoracle", APIKey: s.apiKey}
	req, err := s.clientEtherscan.New().Get("api").QueryStruct(params).Request()
	if err != nil {
		return nil, common.Wrap(err)
	}
	var resBody etherscanResponse
	res, err := s.clientEtherscan.Do(req.WithContext(ctx), &resBody, nil)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, common.Wrap(fmt.Errorf("etherscan http status %v", res.StatusCode))
	}
	if resBody.Status != statusOK {
		return nil, common.Wrap(fmt.Errorf("etherscan error: %v", resBody.Message))
	}
	log.Debugw("etherscan gas price", "lastBlock", resBody.Result.LastBlock,
		"safe", resBody.Result.SafeGasPrice, "propose", resBody.Result.ProposeGasPrice,
		"fast", resBody.Result.FastGasPrice)

	s.rw.Lock()
	s.cached = &resBody.Result
	s.cachedAt = time.Now()
	s.rw.Unlock()
	result := resBody.Result
	return &result, nil
}
