package eth

import (
	"context"
	"fmt"
	"strings"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Contract is a deployed smart contract: its address and the ABI used to
// encode calls and decode results
type Contract struct {
	Name        string
	Address     ethCommon.Address
	contractAbi abi.ABI
}

// NewContract parses abiJSON and returns the Contract deployed at address
func NewContract(name string, address ethCommon.Address, abiJSON string) (*Contract, error) {
	contractAbi, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Contract{
		Name:        name,
		Address:     address,
		contractAbi: contractAbi,
	}, nil
}

// Pack encodes a call to method with args
func (c *Contract) Pack(method string, args ...interface{}) ([]byte, error) {
	data, err := c.contractAbi.Pack(method, args...)
	return data, common.Wrap(err)
}

// Unpack decodes the output of method
func (c *Contract) Unpack(method string, data []byte) ([]interface{}, error) {
	out, err := c.contractAbi.Unpack(method, data)
	return out, common.Wrap(err)
}

// UnpackIntoInterface decodes the output of method into v
func (c *Contract) UnpackIntoInterface(v interface{}, method string, data []byte) error {
	return common.Wrap(c.contractAbi.UnpackIntoInterface(v, method, data))
}

// Call performs a read only call to method in the latest block and returns
// the decoded outputs.  Encoding and decoding failures are reported as
// common.ErrCallRejected since repeating the call can't fix them.
func (c *Contract) Call(ctx context.Context, client EthereumInterface, method string,
	args ...interface{}) ([]interface{}, error) {
	data, err := c.contractAbi.Pack(method, args...)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("%w: packing %v: %v", common.ErrCallRejected,
			method, err))
	}
	to := c.Address
	result, err := client.EthCall(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, common.Wrap(err)
	}
	out, err := c.contractAbi.Unpack(method, result)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("%w: unpacking %v: %v", common.ErrCallRejected,
			method, err))
	}
	return out, nil
}
