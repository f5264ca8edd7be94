package eth

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/ethereum/go-ethereum"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testABI = `[
	{"type":"function","name":"planetLevel","stateMutability":"view",
	 "inputs":[{"name":"locationId","type":"uint256"}],
	 "outputs":[{"name":"level","type":"uint256"},{"name":"owned","type":"bool"}]},
	{"type":"function","name":"move","stateMutability":"nonpayable",
	 "inputs":[{"name":"from","type":"uint256"},{"name":"to","type":"uint256"}],
	 "outputs":[]}
]`

type revertErr struct{}

func (revertErr) Error() string          { return "execution reverted: not owner" }
func (revertErr) ErrorData() interface{} { return "0x08c379a0" }

type codeErr struct{ code int }

func (e codeErr) Error() string  { return "rpc error" }
func (e codeErr) ErrorCode() int { return e.code }

func TestClassifyCallErr(t *testing.T) {
	testCases := []struct {
		err      error
		rejected bool
	}{
		{revertErr{}, true},
		{codeErr{rpcCodeExecutionReverted}, true},
		{codeErr{rpcCodeInvalidParams}, true},
		{codeErr{-32005}, false}, // limit exceeded
		{errors.New("execution reverted"), true},
		{context.DeadlineExceeded, false},
		{errors.New("connection refused"), false},
	}
	for _, tc := range testCases {
		err := common.Wrap(classifyCallErr(tc.err))
		assert.Equal(t, tc.rejected, common.IsErrCallRejected(err), tc.err.Error())
	}
}

// fakeEthereum only answers the methods exercised by the test
type fakeEthereum struct {
	EthereumInterface
	receiptAfter int
	calls        int
	receipt      *types.Receipt
	lastBlock    int64
	callResult   []byte
}

func (f *fakeEthereum) EthTransactionReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	f.calls++
	if f.calls <= f.receiptAfter {
		return nil, common.Wrap(ErrReceiptNotFound)
	}
	return f.receipt, nil
}

func (f *fakeEthereum) EthLastBlock(ctx context.Context) (int64, error) {
	f.lastBlock++
	return f.lastBlock, nil
}

func (f *fakeEthereum) EthCall(ctx context.Context, msg ethereum.CallMsg,
	blockNum *big.Int) ([]byte, error) {
	return f.callResult, nil
}

func TestWaitReceipt(t *testing.T) {
	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}
	fake := &fakeEthereum{receiptAfter: 2, receipt: receipt, lastBlock: 10}
	r, err := WaitReceipt(context.Background(), fake, ethCommon.Hash{1}, 2, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, receipt, r)
	assert.Equal(t, 3, fake.calls)
	assert.Equal(t, int64(12), fake.lastBlock)

	// Reverted transactions are reported without waiting for confirmations
	reverted := &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(10)}
	fake = &fakeEthereum{receipt: reverted, lastBlock: 10}
	r, err = WaitReceipt(context.Background(), fake, ethCommon.Hash{2}, 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusFailed, r.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	fake = &fakeEthereum{receiptAfter: 1 << 30}
	_, err = WaitReceipt(ctx, fake, ethCommon.Hash{3}, 0, time.Millisecond)
	assert.True(t, common.IsErrDone(err))
}

func TestContractCall(t *testing.T) {
	contract, err := NewContract("core", ethCommon.HexToAddress("0x500cf53555c09948f4345594F9523E7B444cD67E"), testABI)
	require.NoError(t, err)

	data, err := contract.Pack("move", big.NewInt(1), big.NewInt(2))
	require.NoError(t, err)
	assert.Len(t, data, 4+2*32)
	_, err = contract.Pack("attack")
	assert.Error(t, err)

	out, err := contract.contractAbi.Methods["planetLevel"].Outputs.Pack(big.NewInt(7), true)
	require.NoError(t, err)
	fake := &fakeEthereum{callResult: out}
	res, err := contract.Call(context.Background(), fake, "planetLevel", big.NewInt(99))
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, big.NewInt(7), res[0])
	assert.Equal(t, true, res[1])

	_, err = contract.Call(context.Background(), fake, "planetLevel", "99")
	assert.True(t, common.IsErrCallRejected(err))
	fake = &fakeEthereum{callResult: []byte{0x01}}
	_, err = contract.Call(context.Background(), fake, "planetLevel", big.NewInt(99))
	assert.True(t, common.IsErrCallRejected(err))
}
