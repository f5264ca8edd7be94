package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/dfarchon/darkforest-mud-sub002/log"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrAccountNil is used when the calls can not be made because the account is nil
	ErrAccountNil = fmt.Errorf("authorized calls can't be made when the account is nil")
	// ErrReceiptNotFound is used when the node doesn't know a receipt for a
	// transaction yet
	ErrReceiptNotFound = fmt.Errorf("receipt not found")
)

// JSON-RPC error codes that signal an explicit rejection of the call
const (
	rpcCodeExecutionReverted = 3
	rpcCodeInvalidParams     = -32602
)

// EthereumConfig defines the configuration parameters of the EthereumClient
type EthereumConfig struct {
	// CallGasLimit is the gas limit used in read calls.  0 lets the node
	// decide.
	CallGasLimit uint64
	// ConfirmBlocks is the number of blocks mined on top of the block
	// containing a transaction before it is considered confirmed
	ConfirmBlocks int64
	// ReceiptCheckInterval is the waiting interval between receipt checks
	// of sent transactions
	ReceiptCheckInterval time.Duration
}

// TxRequest describes an outgoing transaction before it is signed
type TxRequest struct {
	To       ethCommon.Address
	Data     []byte
	Nonce    uint64
	GasPrice *big.Int
	// GasLimit of 0 makes the client estimate it
	GasLimit uint64
	Value    *big.Int
}

// EthereumClient is an ethereum client to call Smart Contract methods and check blockchain
// information.
type EthereumClient struct {
	client  *ethclient.Client
	chainID *big.Int
	account *accounts.Account
	ks      *ethKeystore.KeyStore
	config  *EthereumConfig
}

// EthereumInterface is the interface to Ethereum
type EthereumInterface interface {
	EthLastBlock(ctx context.Context) (int64, error)
	EthBlockByNumber(ctx context.Context, number int64) (*common.Block, error)
	EthAddress() (*ethCommon.Address, error)
	EthChainID() (*big.Int, error)
	EthBalanceAt(ctx context.Context, account ethCommon.Address) (*big.Int, error)

	EthPendingNonceAt(ctx context.Context, account ethCommon.Address) (uint64, error)
	EthSuggestGasPrice(ctx context.Context) (*big.Int, error)
	EthEstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	EthCall(ctx context.Context, msg ethereum.CallMsg, blockNum *big.Int) ([]byte, error)

	EthSendTransaction(ctx context.Context, req *TxRequest) (*types.Transaction, error)
	EthTransactionReceipt(ctx context.Context, txHash ethCommon.Hash) (*types.Receipt, error)
	EthWaitReceipt(ctx context.Context, txHash ethCommon.Hash) (*types.Receipt, error)
}

// NewEthereumClient creates a EthereumClient instance.  The account is not
// mandatory (it can be nil).  If the account is nil, transactions can't be
// sent.
func NewEthereumClient(client *ethclient.Client, account *accounts.Account,
	ks *ethKeystore.KeyStore, config *EthereumConfig) (*EthereumClient, error) {
	if config == nil {
		config = &EthereumConfig{
			ReceiptCheckInterval: time.Second,
		}
	}
	c := &EthereumClient{
		client:  client,
		account: account,
		ks:      ks,
		config:  config,
	}
	chainID, err := c.EthChainID()
	if err != nil {
		return nil, common.Wrap(err)
	}
	c.chainID = chainID
	return c, nil
}

// EthLastBlock returns the last block number in the blockchain
func (c *EthereumClient) EthLastBlock(ctx context.Context) (int64, error) {
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, common.Wrap(err)
	}
	return header.Number.Int64(), nil
}

// EthBlockByNumber internally calls ethclient.Client HeaderByNumber and returns
// *common.Block.  If number == -1, the latests known block is returned.
func (c *EthereumClient) EthBlockByNumber(ctx context.Context, number int64) (*common.Block,
	error) {
	blockNum := big.NewInt(number)
	if number == -1 {
		blockNum = nil
	}
	header, err := c.client.HeaderByNumber(ctx, blockNum)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &common.Block{
		Num:        header.Number.Int64(),
		Timestamp:  time.Unix(int64(header.Time), 0),
		ParentHash: header.ParentHash,
		Hash:       header.Hash(),
	}, nil
}

// EthAddress returns the ethereum address of the account loaded into the EthereumClient
func (c *EthereumClient) EthAddress() (*ethCommon.Address, error) {
	if c.account == nil {
		return nil, common.Wrap(ErrAccountNil)
	}
	return &c.account.Address, nil
}

// EthChainID returns the ChainID of the ethereum network
func (c *EthereumClient) EthChainID() (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	chainID, err := c.client.ChainID(context.Background())
	if err != nil {
		return nil, common.Wrap(err)
	}
	return chainID, nil
}

// EthBalanceAt returns the balance of the account in the latest block
func (c *EthereumClient) EthBalanceAt(ctx context.Context, account ethCommon.Address) (*big.Int,
	error) {
	balance, err := c.client.BalanceAt(ctx, account, nil)
	return balance, common.Wrap(err)
}

// EthPendingNonceAt returns the account nonce of the given account in the pending
// state. This is the nonce that should be used for the next transaction.
func (c *EthereumClient) EthPendingNonceAt(ctx context.Context,
	account ethCommon.Address) (uint64, error) {
	nonce, err := c.client.PendingNonceAt(ctx, account)
	return nonce, common.Wrap(err)
}

// EthSuggestGasPrice retrieves the currently suggested gas price to allow a
// timely execution of a transaction: the base fee of the last block plus the
// suggested tip.
func (c *EthereumClient) EthSuggestGasPrice(ctx context.Context) (*big.Int, error) {
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("error getting head: %w", err))
	}
	tip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("error getting tip: %w", err))
	}
	if head.BaseFee == nil {
		return tip, nil
	}
	return new(big.Int).Add(head.BaseFee, tip), nil
}

// EthEstimateGas returns the gas needed to execute msg
func (c *EthereumClient) EthEstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := c.client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, common.Wrap(classifyCallErr(err))
	}
	return gas, nil
}

// EthCall runs msg as a read only call (without paying) in the node at
// blockNum.  Explicit rejections by the node are returned as
// common.ErrCallRejected.
func (c *EthereumClient) EthCall(ctx context.Context, msg ethereum.CallMsg,
	blockNum *big.Int) ([]byte, error) {
	if msg.From == (ethCommon.Address{}) && c.account != nil {
		msg.From = c.account.Address
	}
	if msg.Gas == 0 {
		msg.Gas = c.config.CallGasLimit
	}
	result, err := c.client.CallContract(ctx, msg, blockNum)
	if err != nil {
		return nil, common.Wrap(classifyCallErr(err))
	}
	return result, nil
}

// EthSendTransaction signs the request with the client account and sends it
// to the node.  It returns once the node has accepted the transaction.
func (c *EthereumClient) EthSendTransaction(ctx context.Context,
	req *TxRequest) (*types.Transaction, error) {
	if c.account == nil {
		return nil, common.Wrap(ErrAccountNil)
	}
	gasLimit := req.GasLimit
	if gasLimit == 0 {
		var err error
		gasLimit, err = c.EthEstimateGas(ctx, ethereum.CallMsg{
			From:     c.account.Address,
			To:       &req.To,
			GasPrice: req.GasPrice,
			Value:    req.Value,
			Data:     req.Data,
		})
		if err != nil {
			return nil, common.Wrap(fmt.Errorf("EstimateGas: %w", common.Unwrap(err)))
		}
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    req.Nonce,
		GasPrice: req.GasPrice,
		Gas:      gasLimit,
		To:       &req.To,
		Value:    value,
		Data:     req.Data,
	})
	signed, err := c.ks.SignTx(*c.account, tx, c.chainID)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return nil, common.Wrap(err)
	}
	log.Debugw("EthSendTransaction", "hash", signed.Hash(), "nonce", req.Nonce,
		"gasPrice", req.GasPrice, "gas", gasLimit)
	return signed, nil
}

// EthTransactionReceipt returns the transaction receipt of the given txHash
func (c *EthereumClient) EthTransactionReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, common.Wrap(ErrReceiptNotFound)
	}
	return receipt, common.Wrap(err)
}

// EthWaitReceipt polls the node until the transaction is mined and
// ConfirmBlocks blocks have been mined on top of it
func (c *EthereumClient) EthWaitReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	return WaitReceipt(ctx, c, txHash, c.config.ConfirmBlocks, c.config.ReceiptCheckInterval)
}

// Client returns the underlying ethclient
func (c *EthereumClient) Client() *ethclient.Client {
	return c.client
}

// WaitReceipt polls client every checkInterval until the receipt of txHash
// is known and confirmBlocks have been mined on top of it.  Transient errors
// of the node are logged and polling continues.
func WaitReceipt(ctx context.Context, client EthereumInterface, txHash ethCommon.Hash,
	confirmBlocks int64, checkInterval time.Duration) (*types.Receipt, error) {
	var receipt *types.Receipt
	for {
		if receipt == nil {
			r, err := client.EthTransactionReceipt(ctx, txHash)
			if err == nil {
				receipt = r
			} else if common.Unwrap(err) != ErrReceiptNotFound {
				log.Warnw("EthTransactionReceipt", "hash", txHash, "err", err)
			}
		}
		if receipt != nil {
			if confirmBlocks <= 0 || receipt.Status == types.ReceiptStatusFailed {
				return receipt, nil
			}
			lastBlock, err := client.EthLastBlock(ctx)
			if err != nil {
				log.Warnw("EthLastBlock", "err", err)
			} else if lastBlock-receipt.BlockNumber.Int64() >= confirmBlocks {
				return receipt, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, common.Wrap(common.ErrDone)
		case <-time.After(checkInterval):
		}
	}
}

// classifyCallErr marks the errors in which the node explicitly rejects the
// call, as opposed to transport or availability failures
func classifyCallErr(err error) error {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return fmt.Errorf("%w: %v (data: %v)", common.ErrCallRejected, err, dataErr.ErrorData())
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case rpcCodeExecutionReverted, rpcCodeInvalidParams:
			return fmt.Errorf("%w: %v", common.ErrCallRejected, err)
		}
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return fmt.Errorf("%w: %v", common.ErrCallRejected, err)
	}
	return err
}
