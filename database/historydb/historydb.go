package historydb

import (
	"fmt"
	"math/big"
	"time"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/dfarchon/darkforest-mud-sub002/coordinator"
	"github.com/dfarchon/darkforest-mud-sub002/database"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

// TxRecord is a transaction that reached a terminal state, as stored in the
// history
type TxRecord struct {
	ItemID            int64           `meddler:"item_id,pk" json:"itemId"`
	SessionID         string          `meddler:"session_id" json:"sessionId"`
	TxID              int64           `meddler:"tx_id" json:"txId"`
	Contract          string          `meddler:"contract" json:"contract"`
	Method            string          `meddler:"method" json:"method"`
	GasSetting        string          `meddler:"gas_setting" json:"gasSetting"`
	Status            string          `meddler:"status" json:"status"`
	GasPrice          *big.Int        `meddler:"gas_price,bigintnull" json:"gasPrice"`
	Nonce             *int64          `meddler:"nonce" json:"nonce"`
	Hash              *ethCommon.Hash `meddler:"hash" json:"hash"`
	MineBlockNum      *int64          `meddler:"mine_block_num" json:"mineBlockNum"`
	GasUsed           int64           `meddler:"gas_used" json:"gasUsed"`
	QueueTimestamp    time.Time       `meddler:"queue_timestamp,utctime" json:"queueTimestamp"`
	StartTimestamp    time.Time       `meddler:"start_timestamp,zeroisnull" json:"startTimestamp"`
	SendTimestamp     time.Time       `meddler:"send_timestamp,zeroisnull" json:"sendTimestamp"`
	EndTimestamp      time.Time       `meddler:"end_timestamp,utctime" json:"endTimestamp"`
	QueueToStartDelay float64         `meddler:"queue_to_start_delay" json:"queueToStartDelay"`
	NonceWaitDelay    float64         `meddler:"nonce_wait_delay" json:"nonceWaitDelay"`
	StartToSendDelay  float64         `meddler:"start_to_send_delay" json:"startToSendDelay"`
	SendToMineDelay   float64         `meddler:"send_to_mine_delay" json:"sendToMineDelay"`
	Error             *string         `meddler:"error" json:"error"`
}

// NewTxRecord builds the history record of a finished transaction
func NewTxRecord(sessionID string, tx *coordinator.Transaction,
	debug coordinator.TxDebug) *TxRecord {
	record := &TxRecord{
		SessionID:         sessionID,
		TxID:              int64(tx.ID),
		Method:            tx.Intent.MethodName,
		GasSetting:        string(tx.GasSetting),
		Status:            string(debug.Status),
		GasPrice:          debug.GasPrice,
		Hash:              debug.Hash,
		GasUsed:           int64(debug.GasUsed),
		QueueTimestamp:    debug.QueueTimestamp,
		StartTimestamp:    debug.StartTimestamp,
		SendTimestamp:     debug.SendTimestamp,
		EndTimestamp:      debug.EndTimestamp,
		QueueToStartDelay: debug.QueueToStartDelay,
		NonceWaitDelay:    debug.NonceWaitDelay,
		StartToSendDelay:  debug.StartToSendDelay,
		SendToMineDelay:   debug.SendToMineDelay,
	}
	if tx.Intent.Contract != nil {
		record.Contract = tx.Intent.Contract.Name
	}
	if debug.Nonce != nil {
		nonce := int64(*debug.Nonce)
		record.Nonce = &nonce
	}
	if debug.MineBlockNum != 0 {
		blockNum := debug.MineBlockNum
		record.MineBlockNum = &blockNum
	}
	if debug.EndTimestamp.IsZero() {
		record.EndTimestamp = time.Now()
	}
	if debug.Err != nil {
		errStr := common.Unwrap(debug.Err).Error()
		record.Error = &errStr
	}
	return record
}

// HistoryDB persists the finished transactions
type HistoryDB struct {
	dbRead     *sqlx.DB
	dbWrite    *sqlx.DB
	apiConnCon *database.APIConnectionController
}

// NewHistoryDB initialize the DB
func NewHistoryDB(dbRead, dbWrite *sqlx.DB, apiConnCon *database.APIConnectionController) *HistoryDB {
	return &HistoryDB{
		dbRead:     dbRead,
		dbWrite:    dbWrite,
		apiConnCon: apiConnCon,
	}
}

// DB returns a pointer to the HistoryDB.db. This method should be used only for
// internal testing purposes.
func (hdb *HistoryDB) DB() *sqlx.DB {
	return hdb.dbWrite
}

// AddTx inserts a finished transaction.  record.ItemID is set.
func (hdb *HistoryDB) AddTx(record *TxRecord) error {
	return common.Wrap(meddler.Insert(hdb.dbWrite, "tx_history", record))
}

// GetTx returns the record of the transaction txID of the session
func (hdb *HistoryDB) GetTx(sessionID string, txID int64) (*TxRecord, error) {
	record := &TxRecord{}
	err := meddler.QueryRow(
		hdb.dbRead, record,
		"SELECT * FROM tx_history WHERE session_id = $1 AND tx_id = $2;",
		sessionID, txID,
	)
	return record, common.Wrap(err)
}

// GetTxsAPI returns the last limit finished transactions, newest first.  An
// empty sessionID returns the transactions of every session.
func (hdb *HistoryDB) GetTxsAPI(sessionID string, limit uint) ([]TxRecord, error) {
	if hdb.apiConnCon != nil {
		cancel, err := hdb.apiConnCon.Acquire()
		defer cancel()
		if err != nil {
			return nil, common.Wrap(err)
		}
		defer hdb.apiConnCon.Release()
	}
	var records []*TxRecord
	var err error
	if sessionID == "" {
		err = meddler.QueryAll(
			hdb.dbRead, &records,
			"SELECT * FROM tx_history ORDER BY item_id DESC LIMIT $1;", limit,
		)
	} else {
		err = meddler.QueryAll(
			hdb.dbRead, &records,
			"SELECT * FROM tx_history WHERE session_id = $1 ORDER BY item_id DESC LIMIT $2;",
			sessionID, limit,
		)
	}
	if err != nil {
		return nil, common.Wrap(err)
	}
	return database.SlicePtrsToSlice(records).([]TxRecord), nil
}

// PurgeBefore deletes the transactions finished before t and returns how
// many were deleted
func (hdb *HistoryDB) PurgeBefore(t time.Time) (int64, error) {
	res, err := hdb.dbWrite.Exec("DELETE FROM tx_history WHERE end_timestamp < $1;", t.UTC())
	if err != nil {
		return 0, common.Wrap(fmt.Errorf("purging history: %w", err))
	}
	n, err := res.RowsAffected()
	return n, common.Wrap(err)
}
