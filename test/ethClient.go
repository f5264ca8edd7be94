package test

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"reflect"
	"sync"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/dfarchon/darkforest-mud-sub002/eth"
	"github.com/dfarchon/darkforest-mud-sub002/log"
	"github.com/ethereum/go-ethereum"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mitchellh/copystructure"
)

func init() {
	log.Init("debug", []string{"stdout"})
	copystructure.Copiers[reflect.TypeOf(big.Int{})] =
		func(raw interface{}) (interface{}, error) {
			in := raw.(big.Int)
			out := new(big.Int).Set(&in)
			return *out, nil
		}
}

var (
	// ErrNonceTooLow is returned when a transaction reuses a nonce already
	// accepted by the node
	ErrNonceTooLow = fmt.Errorf("nonce too low")
	// ErrNonceGap is returned when a transaction skips a nonce.  A real
	// node would keep it in its queue; the test client rejects it so that
	// gaps are detected.
	ErrNonceGap = fmt.Errorf("nonce too high")
	// ErrSendFailed is the injected submission failure
	ErrSendFailed = fmt.Errorf("injected send failure")
	// ErrUnavailable is the injected transient read failure
	ErrUnavailable = fmt.Errorf("injected node unavailable")
)

// EthereumBlock stores all the generic data related to the an ethereum block
type EthereumBlock struct {
	BlockNum   int64
	Time       int64
	Hash       ethCommon.Hash
	ParentHash ethCommon.Hash
}

// Block represents a ethereum block with the transactions mined in it
type Block struct {
	Eth      *EthereumBlock
	Txs      map[ethCommon.Hash]*types.Transaction
	Receipts map[ethCommon.Hash]*types.Receipt
}

// Next prepares the successive block.
func (b *Block) Next() *Block {
	return &Block{
		Eth: &EthereumBlock{
			BlockNum:   b.Eth.BlockNum + 1,
			ParentHash: b.Eth.Hash,
		},
		Txs:      make(map[ethCommon.Hash]*types.Transaction),
		Receipts: make(map[ethCommon.Hash]*types.Receipt),
	}
}

// ClientSetup is used to initialize the chain parameters and other details
// of the test Client
type ClientSetup struct {
	ChainID *big.Int
	// GasPrice is the price returned by EthSuggestGasPrice
	GasPrice *big.Int
	// ConfirmBlocks used by EthWaitReceipt
	ConfirmBlocks int64
	// ReceiptCheckInterval used by EthWaitReceipt
	ReceiptCheckInterval time.Duration
	// AutoMine mines a block right after every accepted transaction
	AutoMine bool
}

// NewClientSetupExample returns a ClientSetup example with hardcoded realistic
// values.
//
//nolint:gomnd
func NewClientSetupExample() *ClientSetup {
	return &ClientSetup{
		ChainID:              big.NewInt(100),
		GasPrice:             big.NewInt(2_000_000_000),
		ConfirmBlocks:        0,
		ReceiptCheckInterval: 5 * time.Millisecond,
		AutoMine:             true,
	}
}

// Timer is an interface to simulate a source of time, useful to advance time
// virtually.
type Timer interface {
	Time() int64
}

// TimerNow is a Timer returning the current unix time
type TimerNow struct{}

// Time implements Timer
func (TimerNow) Time() int64 {
	return time.Now().Unix()
}

// CallHandler answers the read only calls made to the test Client
type CallHandler func(msg ethereum.CallMsg) ([]byte, error)

// Client implements the eth.ClientInterface interface, allowing to manipulate the
// values for testing, working with deterministic results.
type Client struct {
	rw       *sync.RWMutex
	log      bool
	addr     *ethCommon.Address
	chainID  *big.Int
	blocks   map[int64]*Block
	blockNum int64 // last mined block num
	timer    Timer
	hasher   hasher

	confirmBlocks int64
	checkInterval time.Duration
	gasPrice      *big.Int
	autoMine      bool

	nonce       uint64
	balances    map[ethCommon.Address]*big.Int
	callHandler CallHandler
	minedIn     map[ethCommon.Hash]int64
	sent        []*types.Transaction

	sendLatency time.Duration
	failSends   int
	failCalls   int
	revertTxs   int

	pendingNonceCalls int
	calls             int
	sends             int
}

// NewClient returns a new test Client that implements the eth.ClientInterface
// interface, with the genesis block mined.
func NewClient(l bool, timer Timer, addr *ethCommon.Address, setup *ClientSetup) *Client {
	hasher := hasher{}
	genesis := &Block{
		Eth: &EthereumBlock{
			BlockNum: 0,
			Time:     timer.Time(),
			Hash:     hasher.Next(),
		},
		Txs:      make(map[ethCommon.Hash]*types.Transaction),
		Receipts: make(map[ethCommon.Hash]*types.Receipt),
	}
	blocks := map[int64]*Block{
		0: genesis,
		1: genesis.Next(),
	}
	return &Client{
		rw:            &sync.RWMutex{},
		log:           l,
		addr:          addr,
		chainID:       setup.ChainID,
		blocks:        blocks,
		timer:         timer,
		hasher:        hasher,
		confirmBlocks: setup.ConfirmBlocks,
		checkInterval: setup.ReceiptCheckInterval,
		gasPrice:      setup.GasPrice,
		autoMine:      setup.AutoMine,
		balances:      make(map[ethCommon.Address]*big.Int),
		minedIn:       make(map[ethCommon.Hash]int64),
	}
}

//
// Mock Control
//

// Debugw calls log.Debugw if c.log is true
func (c *Client) Debugw(template string, kv ...interface{}) {
	if c.log {
		log.Debugw(template, kv...)
	}
}

type hasher struct {
	counter uint64
}

// Next returns the next hash
func (h *hasher) Next() ethCommon.Hash {
	var hash ethCommon.Hash
	binary.LittleEndian.PutUint64(hash[:], h.counter)
	h.counter++
	return hash
}

func (c *Client) nextBlock() *Block {
	return c.blocks[c.blockNum+1]
}

// CtlSetAddr sets the address of the client
func (c *Client) CtlSetAddr(addr ethCommon.Address) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.addr = &addr
}

// CtlMineBlock moves one block forward, mining the pending transactions
func (c *Client) CtlMineBlock() {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.mineBlock()
}

func (c *Client) mineBlock() {
	block := c.nextBlock()
	c.blockNum++
	block.Eth.Time = c.timer.Time()
	block.Eth.Hash = c.hasher.Next()
	for hash, receipt := range block.Receipts {
		receipt.BlockHash = block.Eth.Hash
		receipt.BlockNumber = big.NewInt(block.Eth.BlockNum)
		c.minedIn[hash] = block.Eth.BlockNum
	}
	c.blocks[c.blockNum+1] = block.Next()
	c.Debugw("TestClient mined block", "blockNum", c.blockNum, "txs", len(block.Txs))
}

// CtlLastBlock returns the last blockNum without checks
func (c *Client) CtlLastBlock() *common.Block {
	c.rw.RLock()
	defer c.rw.RUnlock()

	block := c.blocks[c.blockNum]
	return &common.Block{
		Num:        c.blockNum,
		Timestamp:  time.Unix(block.Eth.Time, 0),
		Hash:       block.Eth.Hash,
		ParentHash: block.Eth.ParentHash,
	}
}

// CtlSetAutoMine enables or disables mining a block after every accepted
// transaction
func (c *Client) CtlSetAutoMine(autoMine bool) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.autoMine = autoMine
}

// CtlSetSendLatency delays every EthSendTransaction by latency
func (c *Client) CtlSetSendLatency(latency time.Duration) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.sendLatency = latency
}

// CtlFailNextSends makes the next n EthSendTransaction calls fail
func (c *Client) CtlFailNextSends(n int) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.failSends = n
}

// CtlFailNextCalls makes the next n read calls fail with ErrUnavailable
func (c *Client) CtlFailNextCalls(n int) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.failCalls = n
}

// CtlRevertNextTxs makes the next n accepted transactions revert when mined
func (c *Client) CtlRevertNextTxs(n int) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.revertTxs = n
}

// CtlSetNonce sets the pending nonce of the account, simulating
// transactions sent by another program
func (c *Client) CtlSetNonce(nonce uint64) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.nonce = nonce
}

// CtlSetBalance sets the balance of account
func (c *Client) CtlSetBalance(account ethCommon.Address, balance *big.Int) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.balances[account] = new(big.Int).Set(balance)
}

// CtlSetGasPrice sets the price returned by EthSuggestGasPrice
func (c *Client) CtlSetGasPrice(gasPrice *big.Int) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.gasPrice = gasPrice
}

// CtlSetCallHandler sets the function answering EthCall
func (c *Client) CtlSetCallHandler(handler CallHandler) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.callHandler = handler
}

// CtlSentTxs returns the transactions accepted by the client in order
func (c *Client) CtlSentTxs() []*types.Transaction {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return append([]*types.Transaction{}, c.sent...)
}

// CtlPendingNonceCalls returns the number of EthPendingNonceAt calls
func (c *Client) CtlPendingNonceCalls() int {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.pendingNonceCalls
}

// CtlCalls returns the number of read calls (EthCall and EthBalanceAt)
func (c *Client) CtlCalls() int {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.calls
}

// CtlSends returns the number of EthSendTransaction calls, accepted or not
func (c *Client) CtlSends() int {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.sends
}

//
// Ethereum
//

// EthChainID returns the ChainID of the ethereum network
func (c *Client) EthChainID() (*big.Int, error) {
	return c.chainID, nil
}

// EthAddress returns the ethereum address of the account loaded into the Client
func (c *Client) EthAddress() (*ethCommon.Address, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	if c.addr == nil {
		return nil, common.Wrap(eth.ErrAccountNil)
	}
	return c.addr, nil
}

// EthLastBlock returns the last blockNum
func (c *Client) EthLastBlock(ctx context.Context) (int64, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.blockNum, nil
}

// EthBlockByNumber returns the *common.Block for the given block number in a
// deterministic way.  If number == -1, the latests known block is returned.
func (c *Client) EthBlockByNumber(ctx context.Context, blockNum int64) (*common.Block, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	if blockNum > c.blockNum {
		return nil, ethereum.NotFound
	}
	if blockNum == -1 {
		blockNum = c.blockNum
	}
	block := c.blocks[blockNum]
	return &common.Block{
		Num:        blockNum,
		Timestamp:  time.Unix(block.Eth.Time, 0),
		Hash:       block.Eth.Hash,
		ParentHash: block.Eth.ParentHash,
	}, nil
}

// readErr consumes one injected read failure.  Must be called with the
// lock held.
func (c *Client) readErr() error {
	c.calls++
	if c.failCalls > 0 {
		c.failCalls--
		return common.Wrap(ErrUnavailable)
	}
	return nil
}

// EthBalanceAt returns the balance of account
func (c *Client) EthBalanceAt(ctx context.Context, account ethCommon.Address) (*big.Int, error) {
	c.rw.Lock()
	defer c.rw.Unlock()
	if err := c.readErr(); err != nil {
		return nil, err
	}
	balance, ok := c.balances[account]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

// EthPendingNonceAt returns the account nonce of the given account in the pending
// state. This is the nonce that should be used for the next transaction.
func (c *Client) EthPendingNonceAt(ctx context.Context, account ethCommon.Address) (uint64, error) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.pendingNonceCalls++
	return c.nonce, nil
}

// EthSuggestGasPrice retrieves the currently suggested gas price
func (c *Client) EthSuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return new(big.Int).Set(c.gasPrice), nil
}

// EthEstimateGas returns the intrinsic gas of msg
func (c *Client) EthEstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000 + 16*uint64(len(msg.Data)), nil //nolint:gomnd
}

// EthCall answers msg with the configured CallHandler
func (c *Client) EthCall(ctx context.Context, msg ethereum.CallMsg,
	blockNum *big.Int) ([]byte, error) {
	c.rw.Lock()
	if err := c.readErr(); err != nil {
		c.rw.Unlock()
		return nil, err
	}
	handler := c.callHandler
	c.rw.Unlock()
	if handler == nil {
		return nil, common.Wrap(fmt.Errorf("%w: no call handler", common.ErrCallRejected))
	}
	return handler(msg)
}

// EthSendTransaction accepts req if its nonce is the next one of the account
func (c *Client) EthSendTransaction(ctx context.Context,
	req *eth.TxRequest) (*types.Transaction, error) {
	c.rw.Lock()
	c.sends++
	latency := c.sendLatency
	c.rw.Unlock()
	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, common.Wrap(ctx.Err())
		case <-time.After(latency):
		}
	}

	c.rw.Lock()
	defer c.rw.Unlock()
	if c.addr == nil {
		return nil, common.Wrap(eth.ErrAccountNil)
	}
	if c.failSends > 0 {
		c.failSends--
		return nil, common.Wrap(ErrSendFailed)
	}
	if req.Nonce < c.nonce {
		return nil, common.Wrap(fmt.Errorf("%w: %d < %d", ErrNonceTooLow, req.Nonce, c.nonce))
	}
	if req.Nonce > c.nonce {
		return nil, common.Wrap(fmt.Errorf("%w: %d > %d", ErrNonceGap, req.Nonce, c.nonce))
	}
	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = 21000 + 16*uint64(len(req.Data)) //nolint:gomnd
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := req.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    req.Nonce,
		GasPrice: req.GasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    value,
		Data:     req.Data,
	})
	status := types.ReceiptStatusSuccessful
	if c.revertTxs > 0 {
		c.revertTxs--
		status = types.ReceiptStatusFailed
	}
	next := c.nextBlock()
	next.Txs[tx.Hash()] = tx
	next.Receipts[tx.Hash()] = &types.Receipt{
		Status:            status,
		TxHash:            tx.Hash(),
		GasUsed:           gasLimit,
		CumulativeGasUsed: gasLimit,
		EffectiveGasPrice: req.GasPrice,
	}
	c.nonce++
	c.sent = append(c.sent, tx)
	c.Debugw("TestClient accepted tx", "nonce", req.Nonce, "hash", tx.Hash())
	if c.autoMine {
		c.mineBlock()
	}
	return tx, nil
}

// EthTransactionReceipt returns the transaction receipt of the given txHash
func (c *Client) EthTransactionReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	blockNum, ok := c.minedIn[txHash]
	if !ok {
		return nil, common.Wrap(eth.ErrReceiptNotFound)
	}
	receiptCopy, err := copystructure.Copy(c.blocks[blockNum].Receipts[txHash])
	if err != nil {
		return nil, common.Wrap(err)
	}
	return receiptCopy.(*types.Receipt), nil
}

// EthWaitReceipt waits until the transaction is mined and confirmed
func (c *Client) EthWaitReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	return eth.WaitReceipt(ctx, c, txHash, c.confirmBlocks, c.checkInterval)
}
