package common

import (
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Block is the header information of an Ethereum block needed to follow
// the confirmations of the sent transactions
type Block struct {
	Num        int64          `json:"num"`
	Timestamp  time.Time      `json:"timestamp"`
	Hash       ethCommon.Hash `json:"hash"`
	ParentHash ethCommon.Hash `json:"-"`
}
