package config

import (
	"fmt"
	"math/big"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator"
)

// Duration is a wrapper type that parses time duration from text.
type Duration struct {
	time.Duration `validate:"required"`
}

// UnmarshalText unmarshalls time duration from text.
func (d *Duration) UnmarshalText(data []byte) error {
	duration, err := time.ParseDuration(string(data))
	if err != nil {
		return common.Wrap(err)
	}
	d.Duration = duration
	return nil
}

// QueueConfig is the throttle and concurrency of a queue
type QueueConfig struct {
	// MaxInvocationsPerInterval is the maximum number of task starts
	// inside any window of InvocationInterval
	MaxInvocationsPerInterval int `validate:"required,min=1"`
	// InvocationInterval is the length of the throttle window
	InvocationInterval Duration `validate:"required"`
	// MaxConcurrency is the maximum number of tasks running at once
	MaxConcurrency int `validate:"required,min=1"`
}

// Node is the configuration of the node
type Node struct {
	Log struct {
		// Level is the logging level: debug, info, warn, error or fatal
		Level string `validate:"required,oneof=debug info warn error fatal" env:"LOG_LEVEL"`
		// Outputs are the log outputs.  "stdout" and "stderr" are special
		// paths.
		Outputs []string `validate:"required"`
	}
	Web3 struct {
		// URL is the URL of the web3 ethereum-node RPC server
		URL string `validate:"required" env:"WEB3_URL"`
	}
	EthClient struct {
		// Account is the address used to send transactions.  It must be
		// unlockable in the keystore.
		Account  ethCommon.Address `validate:"required"`
		Keystore struct {
			// Path to the keystore
			Path string `validate:"required" env:"KEYSTORE_PATH"`
			// Password used to decrypt the keys in the keystore
			Password string `validate:"required" env:"KEYSTORE_PASSWORD"`
		} `validate:"required"`
		// LightScrypt uses the light scrypt parameters in the keystore,
		// for tests only
		LightScrypt bool
		// CallGasLimit is the gas limit of read calls.  0 lets the node
		// decide.
		CallGasLimit uint64
		// ConfirmBlocks is the number of blocks mined on top of a
		// transaction before it's considered confirmed
		ConfirmBlocks int64 `validate:"min=0"`
		// ReceiptCheckInterval is the waiting interval between receipt
		// checks of sent transactions
		ReceiptCheckInterval Duration `validate:"required"`
	} `validate:"required"`
	Calls struct {
		Queue QueueConfig `validate:"required"`
		// MaxRetries is the number of times a call failing with a
		// transient error is enqueued again
		MaxRetries int `validate:"min=0"`
		// RetryDelay is the delay before the first retry
		RetryDelay Duration `validate:"required"`
		// MaxRetryDelay caps the delay between retries
		MaxRetryDelay Duration `validate:"required"`
	} `validate:"required"`
	Txs struct {
		Queue QueueConfig `validate:"required"`
		// SupportMultipleWallets refreshes the cached nonce when it is
		// older than NonceStaleAfter
		SupportMultipleWallets bool
		// NonceStaleAfter is the age after which the cached nonce is
		// refreshed from the node
		NonceStaleAfter Duration `validate:"required"`
		// SubmitTimeout bounds the time waiting for the node to accept a
		// transaction
		SubmitTimeout Duration `validate:"required"`
		// DefaultGasLimit is used when a transaction doesn't set one.  0
		// estimates it.
		DefaultGasLimit uint64
		// GasSetting is the default gas setting: slow, average, fast,
		// auto or an explicit price in gwei
		GasSetting string `validate:"required" env:"TXS_GAS_SETTING"`
		// GasSettingByMethod overrides GasSetting for some contract
		// methods
		GasSettingByMethod map[string]string
		// MaxGasPrice is the maximum gas price in gwei.  0 disables it.
		MaxGasPrice int64 `validate:"min=0"`
		// MinGasPrice is the minimum gas price in gwei
		MinGasPrice int64 `validate:"min=0"`
		// MinimumBalance is the balance in wei below which new
		// transactions are refused.  Empty disables the check.
		MinimumBalance *big.Int
		// BalanceCheckInterval is the waiting interval between balance
		// queries of the account
		BalanceCheckInterval Duration `validate:"required"`
	} `validate:"required"`
	Etherscan struct {
		// URL of the etherscan API.  Empty disables the gas oracle.
		URL string `env:"ETHERSCAN_URL"`
		// APIKey of etherscan
		APIKey string `env:"ETHERSCAN_API_KEY"`
		// RequestsPerSecond limits the oracle requests
		RequestsPerSecond float64 `validate:"min=0"`
		// CacheTTL is the time an oracle answer is reused
		CacheTTL Duration
	}
	PostgreSQL struct {
		// Enabled stores the finished transactions in the history DB
		Enabled bool `env:"POSTGRES_ENABLED"`
		// Port of the PostgreSQL server
		Port int `env:"POSTGRES_PORT"`
		// Host of the PostgreSQL server
		Host string `env:"POSTGRES_HOST"`
		// User of the PostgreSQL server
		User string `env:"POSTGRES_USER"`
		// Password of the PostgreSQL server
		Password string `env:"POSTGRES_PASS"`
		// Name of the database
		Name string `env:"POSTGRES_NAME"`
	}
	History struct {
		// Retention is the age after which history rows are purged
		Retention Duration
		// PurgeSchedule is the cron spec of the purge job
		PurgeSchedule string
	}
	API struct {
		// Address where the debug API will listen.  Empty disables it.
		Address string `env:"API_ADDRESS"`
		// MaxSQLConnections is the maximum number of concurrent queries of
		// the API to the history DB
		MaxSQLConnections int `validate:"min=0"`
		// SQLConnectionTimeout is the maximum time the API waits for a
		// free SQL connection
		SQLConnectionTimeout Duration
	}
	Debug struct {
		// GinDebugMode sets Gin-Gonic (the web framework) to run in
		// debug mode
		GinDebugMode bool
		// MeddlerLogs enables meddler debug mode, where unused columns
		// and struct fields will be logged
		MeddlerLogs bool
	}
}

// DefaultValues are the node defaults.  Any value can be overwritten by the
// configuration file or the environment.
const DefaultValues = `
[Log]
Level = "info"
Outputs = ["stdout"]

[EthClient]
ConfirmBlocks = 0
ReceiptCheckInterval = "1s"

[Calls]
MaxRetries = 12
RetryDelay = "200ms"
MaxRetryDelay = "5s"

[Calls.Queue]
MaxInvocationsPerInterval = 10
InvocationInterval = "200ms"
MaxConcurrency = 20

[Txs]
NonceStaleAfter = "5s"
SubmitTimeout = "30s"
GasSetting = "auto"
MaxGasPrice = 0
MinGasPrice = 0
BalanceCheckInterval = "1m"

[Txs.Queue]
MaxInvocationsPerInterval = 3
InvocationInterval = "200ms"
MaxConcurrency = 3

[Etherscan]
RequestsPerSecond = 5.0
CacheTTL = "10s"

[PostgreSQL]
Port = 5432
Host = "localhost"
User = "dfmud"
Name = "dfmud"

[History]
Retention = "720h"
PurgeSchedule = "@every 1h"

[API]
MaxSQLConnections = 10
SQLConnectionTimeout = "2s"
`

// LoadNode loads the Node configuration from path
func LoadNode(path string) (*Node, error) {
	var cfg Node
	if err := LoadConfig(path, DefaultValues, &cfg); err != nil {
		return nil, common.Wrap(err)
	}
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, common.Wrap(fmt.Errorf("error validating configuration file: %w", err))
	}
	if cfg.PostgreSQL.Enabled && cfg.PostgreSQL.Password == "" {
		return nil, common.Wrap(fmt.Errorf("PostgreSQL.Password is required when the history is enabled"))
	}
	return &cfg, nil
}
