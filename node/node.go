/*
Package node does the initialization of all the required objects to run the
request scheduler of a game client.

The Node owns the Coordinator (read call gateway and transaction manager),
the optional transaction history stored in PostgreSQL with its periodic
purge, and the optional debug API.  Every finished transaction is reported to
the prometheus metrics and, when the history is enabled, stored in the
HistoryDB under the session id of the process.
*/
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/dfarchon/darkforest-mud-sub002/config"
	"github.com/dfarchon/darkforest-mud-sub002/coordinator"
	dbUtils "github.com/dfarchon/darkforest-mud-sub002/database"
	"github.com/dfarchon/darkforest-mud-sub002/database/historydb"
	"github.com/dfarchon/darkforest-mud-sub002/debugapi"
	"github.com/dfarchon/darkforest-mud-sub002/eth"
	"github.com/dfarchon/darkforest-mud-sub002/etherscan"
	"github.com/dfarchon/darkforest-mud-sub002/log"
	"github.com/dfarchon/darkforest-mud-sub002/metric"
	"github.com/dfarchon/darkforest-mud-sub002/taskqueue"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

// Node is the request scheduler node
type Node struct {
	client      *eth.Client
	coord       *coordinator.Coordinator
	diagnostics *coordinator.DiagnosticsHolder
	historyDB   *historydb.HistoryDB
	purger      *historydb.Purger
	debugAPI    *debugapi.DebugAPI
	sqlConn     *sqlx.DB
	sessionID   string
	version     string

	// General
	cfg    *config.Node
	ctx    context.Context
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewNode creates a Node
func NewNode(cfg *config.Node, version string) (*Node, error) {
	meddler.Debug = cfg.Debug.MeddlerLogs
	sessionID := uuid.NewString()

	var sqlConn *sqlx.DB
	var historyDB *historydb.HistoryDB
	var purger *historydb.Purger
	if cfg.PostgreSQL.Enabled {
		var err error
		sqlConn, err = dbUtils.InitSQLDB(
			cfg.PostgreSQL.Port,
			cfg.PostgreSQL.Host,
			cfg.PostgreSQL.User,
			cfg.PostgreSQL.Password,
			cfg.PostgreSQL.Name,
		)
		if err != nil {
			return nil, common.Wrap(fmt.Errorf("dbUtils.InitSQLDB: %w", err))
		}
		apiConnCon := dbUtils.NewAPIConnectionController(
			cfg.API.MaxSQLConnections,
			cfg.API.SQLConnectionTimeout.Duration,
		)
		historyDB = historydb.NewHistoryDB(sqlConn, sqlConn, apiConnCon)
		purger, err = historydb.NewPurger(historydb.PurgerCfg{
			Retention: cfg.History.Retention.Duration,
			Schedule:  cfg.History.PurgeSchedule,
		}, historyDB)
		if err != nil {
			return nil, common.Wrap(err)
		}
	}

	scryptN := keystore.StandardScryptN
	scryptP := keystore.StandardScryptP
	if cfg.EthClient.LightScrypt {
		scryptN = keystore.LightScryptN
		scryptP = keystore.LightScryptP
	}
	keyStore := keystore.NewKeyStore(cfg.EthClient.Keystore.Path, scryptN, scryptP)
	// Unlock the account in the keystore to sign the transactions
	if !keyStore.HasAddress(cfg.EthClient.Account) {
		return nil, common.Wrap(fmt.Errorf(
			"ethereum keystore doesn't have the key for address %v",
			cfg.EthClient.Account))
	}
	account := accounts.Account{
		Address: cfg.EthClient.Account,
	}
	if err := keyStore.Unlock(account, cfg.EthClient.Keystore.Password); err != nil {
		return nil, common.Wrap(err)
	}
	log.Infow("Unlocked account", "addr", cfg.EthClient.Account)

	client, err := eth.Dial(cfg.Web3.URL, &account, keyStore, &eth.ClientConfig{
		Ethereum: eth.EthereumConfig{
			CallGasLimit:         cfg.EthClient.CallGasLimit,
			ConfirmBlocks:        cfg.EthClient.ConfirmBlocks,
			ReceiptCheckInterval: cfg.EthClient.ReceiptCheckInterval.Duration,
		},
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	chainID, err := client.EthChainID()
	if err != nil {
		return nil, common.Wrap(err)
	}
	log.Infow("Connected to the ethereum node", "url", cfg.Web3.URL, "chainID", chainID)

	var gasOracle etherscan.Client
	if cfg.Etherscan.URL != "" {
		service, err := etherscan.NewEtherscanService(etherscan.Config{
			URL:               cfg.Etherscan.URL,
			APIKey:            cfg.Etherscan.APIKey,
			RequestsPerSecond: cfg.Etherscan.RequestsPerSecond,
			CacheTTL:          cfg.Etherscan.CacheTTL.Duration,
		})
		if err != nil {
			return nil, common.Wrap(err)
		}
		gasOracle = service
	} else {
		log.Info("No etherscan URL, the gas price speeds fall back to the node suggestion")
	}

	coordCfg, err := CoordinatorConfig(cfg)
	if err != nil {
		return nil, common.Wrap(err)
	}
	holder := coordinator.NewDiagnosticsHolder()
	hooks := TxHooks(cfg, historyDB, sessionID)
	coord, err := coordinator.NewCoordinator(coordCfg, client, gasOracle, hooks,
		coordinator.DiagnosticsSinks{holder, metric.Diagnostics{}})
	if err != nil {
		return nil, common.Wrap(err)
	}

	var debugAPI *debugapi.DebugAPI
	if cfg.API.Address != "" {
		if cfg.Debug.GinDebugMode {
			gin.SetMode(gin.DebugMode)
		} else {
			gin.SetMode(gin.ReleaseMode)
		}
		debugAPI = debugapi.NewDebugAPI(debugapi.Config{
			Addr:        cfg.API.Address,
			Coordinator: coord,
			Diagnostics: holder,
			HistoryDB:   historyDB,
			SessionID:   sessionID,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		client:      client,
		coord:       coord,
		diagnostics: holder,
		historyDB:   historyDB,
		purger:      purger,
		debugAPI:    debugAPI,
		sqlConn:     sqlConn,
		sessionID:   sessionID,
		version:     version,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func queueConfig(cfg config.QueueConfig) taskqueue.Config {
	return taskqueue.Config{
		MaxInvocationsPerInterval: cfg.MaxInvocationsPerInterval,
		InvocationInterval:        cfg.InvocationInterval.Duration,
		MaxConcurrency:            cfg.MaxConcurrency,
	}
}

// CoordinatorConfig builds the coordinator configuration of cfg.  The gas
// settings are validated here.
func CoordinatorConfig(cfg *config.Node) (coordinator.Config, error) {
	if !coordinator.GasSetting(cfg.Txs.GasSetting).Valid() {
		return coordinator.Config{}, common.Wrap(
			fmt.Errorf("invalid Txs.GasSetting %q", cfg.Txs.GasSetting))
	}
	for method, setting := range cfg.Txs.GasSettingByMethod {
		if !coordinator.GasSetting(setting).Valid() {
			return coordinator.Config{}, common.Wrap(
				fmt.Errorf("invalid gas setting %q for method %v", setting, method))
		}
	}
	return coordinator.Config{
		Calls: coordinator.CallGatewayConfig{
			Queue:         queueConfig(cfg.Calls.Queue),
			MaxRetries:    cfg.Calls.MaxRetries,
			RetryDelay:    cfg.Calls.RetryDelay.Duration,
			MaxRetryDelay: cfg.Calls.MaxRetryDelay.Duration,
		},
		Txs: coordinator.TxManagerConfig{
			Queue: queueConfig(cfg.Txs.Queue),
			Nonce: coordinator.NonceAllocatorConfig{
				SupportMultipleWallets: cfg.Txs.SupportMultipleWallets,
				StaleAfter:             cfg.Txs.NonceStaleAfter.Duration,
			},
			SubmitTimeout:     cfg.Txs.SubmitTimeout.Duration,
			DefaultGasLimit:   cfg.Txs.DefaultGasLimit,
			DefaultGasSetting: coordinator.GasSetting(cfg.Txs.GasSetting),
			MaxGasPrice:       cfg.Txs.MaxGasPrice,
			MinGasPrice:       cfg.Txs.MinGasPrice,
		},
		MinimumBalance:       cfg.Txs.MinimumBalance,
		BalanceCheckInterval: cfg.Txs.BalanceCheckInterval.Duration,
	}, nil
}

// TxHooks returns the transaction hooks of the node: the gas setting by
// method and the report of the finished transactions.  historyDB may be nil.
func TxHooks(cfg *config.Node, historyDB *historydb.HistoryDB,
	sessionID string) coordinator.TxHooks {
	defaultSetting := coordinator.GasSetting(cfg.Txs.GasSetting)
	byMethod := cfg.Txs.GasSettingByMethod
	return coordinator.TxHooks{
		GasSettingProvider: func(tx *coordinator.Transaction) coordinator.GasSetting {
			if setting, ok := byMethod[tx.Intent.MethodName]; ok {
				return coordinator.GasSetting(setting)
			}
			return defaultSetting
		},
		AfterTransaction: func(tx *coordinator.Transaction, debug coordinator.TxDebug) error {
			metric.ObserveTx(tx.Intent.MethodName, string(debug.Status),
				debug.QueueToStartDelay, debug.StartToSendDelay, debug.SendToMineDelay)
			if historyDB == nil {
				return nil
			}
			return historyDB.AddTx(historydb.NewTxRecord(sessionID, tx, debug))
		},
	}
}

// Coordinator returns the scheduler of the node
func (n *Node) Coordinator() *coordinator.Coordinator {
	return n.coord
}

// SessionID returns the id under which the transactions of this process are
// stored in the history
func (n *Node) SessionID() string {
	return n.sessionID
}

// Start the node
func (n *Node) Start() {
	log.Infow("Starting node...", "version", n.version, "session", n.sessionID)
	n.coord.Start()
	if n.purger != nil {
		n.purger.Start()
	}
	if n.debugAPI != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			log.Info("DebugAPI: starting")
			if err := n.debugAPI.Run(n.ctx); err != nil {
				log.Fatalw("DebugAPI.Run", "err", err)
			}
		}()
	}
}

// Stop the node
func (n *Node) Stop() {
	log.Infow("Stopping node...")
	n.cancel()
	n.wg.Wait()
	n.coord.Stop()
	if n.purger != nil {
		n.purger.Stop()
	}
	n.client.Close()
	if n.sqlConn != nil {
		if err := n.sqlConn.Close(); err != nil {
			log.Errorw("sqlConn.Close", "err", err)
		}
	}
}
