package app

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
)

// Result codes of the supply-chain application.
const (
	CodeOK          uint32 = 0
	CodeMalformedTx uint32 = 1
	CodeReverted    uint32 = 2
	CodeInternal    uint32 = 3
	CodeBadQuery    uint32 = 4
)

// Codespace tags every non-zero code returned by this application.
const Codespace = "supplychain"

// MarkerEventType is attached to every transaction so subscribers can select
// all events of one contract with a single query.
const MarkerEventType = "supplychain"

// Marker event attribute keys.
const (
	MarkerContractKey = "contract"
	MarkerEventKey    = "event"
	MarkerSKUKey      = "sku"
)

// Query paths served by Query.
const (
	PathContract = "/contract"
	PathItem     = "/item/"
	PathRole     = "/role/"
	PathBalance  = "/balance/"
	PathAccounts = "/accounts"
)

// DefaultContractName is used when the genesis app state does not name the
// contract.
const DefaultContractName = "SupplyChain"

// Application implements the ABCI interface for the supply-chain contract
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	executor     *contract.Executor
	nodeID       string
	mu           sync.Mutex
	config       *AppConfig
	logger       cmtlog.Logger
}

// AppConfig contains configuration for the application
type AppConfig struct {
	NodeID    string
	LogAllTxs bool
}

// GenesisState is the app_state section of the CometBFT genesis file.
type GenesisState struct {
	ContractName string           `json:"contract_name"`
	Accounts     []GenesisAccount `json:"accounts"`
}

// GenesisAccount funds an account and grants its initial roles.
type GenesisAccount struct {
	Address contract.Address `json:"address"`
	Balance *big.Int         `json:"balance"`
	Roles   []contract.Role  `json:"roles"`
}

// Deployment describes the contract instance served by this chain.
type Deployment struct {
	Name    string           `json:"name"`
	Address contract.Address `json:"address"`
	ChainID string           `json:"chain_id"`
}

// NewABCIApplication creates a new supply-chain ABCI application
func NewABCIApplication(badgerDB *badger.DB, config *AppConfig, logger cmtlog.Logger) *Application {
	if config == nil {
		config = &AppConfig{}
	}
	return &Application{
		badgerDB: badgerDB,
		executor: contract.NewExecutor(),
		nodeID:   config.NodeID,
		config:   config,
		logger:   logger,
	}
}

func (app *Application) SetNodeID(id string) {
	app.nodeID = id
}

// ContractAddress derives the address the contract is deployed at on a chain.
func ContractAddress(chainID, name string) contract.Address {
	return contract.DeriveAddress(chainID, name)
}

// Info implements the ABCI Info method
func (app *Application) Info(_ context.Context, info *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	var lastBlockHeight int64
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		r := txnReader{txn: txn}
		raw, ok, err := r.get([]byte(lastHeightKey))
		if err != nil || !ok {
			return err
		}
		lastBlockHeight = bytesToInt64(raw)

		lastBlockAppHash, _, err = r.get([]byte(lastAppHashKey))
		return err
	})
	if err != nil {
		app.logger.Error("Error getting last block info", "err", err)
	}

	return &abcitypes.InfoResponse{
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// InitChain deploys the contract and applies the genesis accounts.
func (app *Application) InitChain(_ context.Context, chain *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	genesis := GenesisState{ContractName: DefaultContractName}
	if len(chain.AppStateBytes) > 0 {
		if err := json.Unmarshal(chain.AppStateBytes, &genesis); err != nil {
			return nil, fmt.Errorf("invalid genesis app state: %w", err)
		}
		if genesis.ContractName == "" {
			genesis.ContractName = DefaultContractName
		}
	}

	deployment := Deployment{
		Name:    genesis.ContractName,
		Address: ContractAddress(chain.ChainId, genesis.ContractName),
		ChainID: chain.ChainId,
	}
	rawDeployment, err := json.Marshal(deployment)
	if err != nil {
		return nil, err
	}

	err = app.badgerDB.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(contractKey), rawDeployment); err != nil {
			return err
		}
		if err := txn.Set([]byte(chainIDKey), []byte(chain.ChainId)); err != nil {
			return err
		}
		st := newCallStore(txnReader{txn: txn})
		for _, acc := range genesis.Accounts {
			balance := acc.Balance
			if balance == nil {
				balance = new(big.Int)
			}
			if err := st.SetBalance(acc.Address, balance); err != nil {
				return err
			}
			for _, role := range acc.Roles {
				if !role.Valid() {
					return &contract.UnknownRoleError{Value: role.String()}
				}
				if err := st.SetRole(role, acc.Address, true); err != nil {
					return err
				}
			}
		}
		return st.flush(txn)
	})
	if err != nil {
		return nil, fmt.Errorf("apply genesis: %w", err)
	}

	app.logger.Info("Contract deployed", "name", deployment.Name, "address", deployment.Address.String(), "chain_id", deployment.ChainID, "accounts", len(genesis.Accounts))
	return &abcitypes.InitChainResponse{}, nil
}

// Query implements the ABCI Query method
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	var value interface{}
	var qerr error

	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		r := txnReader{txn: txn}
		switch {
		case req.Path == PathContract:
			raw, ok, err := r.get([]byte(contractKey))
			if err != nil {
				return err
			}
			if !ok {
				qerr = errors.New("contract not deployed")
				return nil
			}
			var d Deployment
			if err := json.Unmarshal(raw, &d); err != nil {
				return err
			}
			value = d

		case strings.HasPrefix(req.Path, PathItem):
			sku, err := strconv.ParseUint(strings.TrimPrefix(req.Path, PathItem), 10, 64)
			if err != nil {
				qerr = fmt.Errorf("invalid sku: %w", err)
				return nil
			}
			it, err := loadItem(r, sku)
			if err != nil {
				return err
			}
			if it == nil {
				// unknown SKUs read as the zero item, owner unset
				it = &contract.Item{SKU: sku, Price: new(big.Int)}
			}
			value = it

		case strings.HasPrefix(req.Path, PathRole):
			parts := strings.Split(strings.TrimPrefix(req.Path, PathRole), "/")
			if len(parts) != 2 {
				qerr = errors.New("expected /role/<role>/<account>")
				return nil
			}
			role, err := contract.ParseRole(parts[0])
			if err != nil {
				qerr = err
				return nil
			}
			account, err := contract.ParseAddress(parts[1])
			if err != nil {
				qerr = err
				return nil
			}
			held, err := loadRole(r, role, account)
			if err != nil {
				return err
			}
			value = held

		case strings.HasPrefix(req.Path, PathBalance):
			account, err := contract.ParseAddress(strings.TrimPrefix(req.Path, PathBalance))
			if err != nil {
				qerr = err
				return nil
			}
			balance, err := loadBalance(r, account)
			if err != nil {
				return err
			}
			value = balance

		case req.Path == PathAccounts:
			accounts, err := listAccounts(txn)
			if err != nil {
				return err
			}
			if accounts == nil {
				accounts = []contract.Address{}
			}
			value = accounts

		default:
			qerr = fmt.Errorf("unknown query path %q", req.Path)
		}
		return nil
	})

	if dbErr != nil {
		app.logger.Error("Error reading database", "path", req.Path, "err", dbErr)
		return &abcitypes.QueryResponse{
			Code:      CodeInternal,
			Codespace: Codespace,
			Log:       fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}
	if qerr != nil {
		return &abcitypes.QueryResponse{
			Code:      CodeBadQuery,
			Codespace: Codespace,
			Log:       qerr.Error(),
		}, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return &abcitypes.QueryResponse{Code: CodeInternal, Codespace: Codespace, Log: err.Error()}, nil
	}
	return &abcitypes.QueryResponse{
		Code:  CodeOK,
		Key:   []byte(req.Path),
		Value: raw,
		Log:   "exists",
	}, nil
}

// CheckTx implements the ABCI CheckTx method. A non-zero code means the call
// is never accepted into the mempool.
func (app *Application) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	tx, err := contract.DecodeTx(check.Tx)
	if err == nil {
		err = tx.ValidateBasic()
	}
	if err != nil {
		return &abcitypes.CheckTxResponse{
			Code:      CodeMalformedTx,
			Codespace: Codespace,
			Log:       err.Error(),
		}, nil
	}
	return &abcitypes.CheckTxResponse{Code: CodeOK}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method
func (app *Application) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	for i, txBytes := range proposal.Txs {
		if _, err := contract.DecodeTx(txBytes); err != nil {
			app.logger.Error("Invalid transaction format", "index", i, "error", err)
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, nil
		}
	}

	return &abcitypes.ProcessProposalResponse{
		Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT,
	}, nil
}

// FinalizeBlock executes every contract call of the block in order
func (app *Application) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	txResults := make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock != nil {
		app.onGoingBlock.Discard()
	}
	app.onGoingBlock = app.badgerDB.NewTransaction(true)

	deployment, err := app.deployment(app.onGoingBlock)
	if err != nil {
		return nil, fmt.Errorf("load deployment: %w", err)
	}

	for i, txBytes := range req.Txs {
		txResults[i] = app.execute(deployment, txBytes)
	}

	appHash := calculateAppHash(txResults)
	if err := app.onGoingBlock.Set([]byte(lastHeightKey), int64ToBytes(req.Height)); err != nil {
		app.logger.Error("Error storing block height", "err", err)
	}
	if err := app.onGoingBlock.Set([]byte(lastAppHashKey), appHash); err != nil {
		app.logger.Error("Error storing app hash", "err", err)
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, nil
}

func (app *Application) deployment(txn *badger.Txn) (Deployment, error) {
	var d Deployment
	raw, ok, err := txnReader{txn: txn}.get([]byte(contractKey))
	if err != nil || !ok {
		return d, err
	}
	err = json.Unmarshal(raw, &d)
	return d, err
}

// execute runs one contract call against the ongoing block
func (app *Application) execute(deployment Deployment, txBytes []byte) *abcitypes.ExecTxResult {
	tx, err := contract.DecodeTx(txBytes)
	if err == nil {
		err = tx.ValidateBasic()
	}
	if err != nil {
		return &abcitypes.ExecTxResult{Code: CodeMalformedTx, Codespace: Codespace, Log: err.Error()}
	}

	st := newCallStore(txnReader{txn: app.onGoingBlock})
	events, err := app.executor.Execute(st, tx)

	var revert *contract.Revert
	switch {
	case errors.As(err, &revert):
		if app.config.LogAllTxs {
			app.logger.Info("Contract call reverted", "op", tx.Op, "from", tx.From.String(), "sku", tx.SKU, "reason", revert.Reason)
		}
		return &abcitypes.ExecTxResult{
			Code:      CodeReverted,
			Codespace: Codespace,
			Log:       revert.Reason,
			Events:    toABCIEvents(deployment.Address, []contract.Event{contract.RevertEvent(tx, revert.Reason)}),
		}
	case err != nil:
		app.logger.Error("Contract call failed", "op", tx.Op, "err", err)
		return &abcitypes.ExecTxResult{Code: CodeInternal, Codespace: Codespace, Log: err.Error()}
	}

	if err := st.flush(app.onGoingBlock); err != nil {
		app.logger.Error("Error storing contract state", "op", tx.Op, "err", err)
		return &abcitypes.ExecTxResult{Code: CodeInternal, Codespace: Codespace, Log: err.Error()}
	}

	if app.config.LogAllTxs {
		app.logger.Info("Contract call executed", "op", tx.Op, "from", tx.From.String(), "sku", tx.SKU, "events", len(events))
	}
	return &abcitypes.ExecTxResult{
		Code:   CodeOK,
		Log:    "executed",
		Events: toABCIEvents(deployment.Address, events),
	}
}

// toABCIEvents converts contract events to indexed ABCI events, each
// preceded by the contract marker.
func toABCIEvents(contractAddr contract.Address, events []contract.Event) []abcitypes.Event {
	out := make([]abcitypes.Event, 0, len(events)*2)
	for _, ev := range events {
		marker := abcitypes.Event{
			Type: MarkerEventType,
			Attributes: []abcitypes.EventAttribute{
				{Key: MarkerContractKey, Value: contractAddr.String(), Index: true},
				{Key: MarkerEventKey, Value: ev.Name, Index: true},
			},
		}
		if sku, ok := ev.Get(contract.AttrSKU); ok {
			marker.Attributes = append(marker.Attributes, abcitypes.EventAttribute{Key: MarkerSKUKey, Value: sku, Index: true})
		}
		out = append(out, marker)
		attrs := make([]abcitypes.EventAttribute, 0, len(ev.Attributes))
		for _, a := range ev.Attributes {
			attrs = append(attrs, abcitypes.EventAttribute{Key: a.Key, Value: a.Value, Index: true})
		}
		out = append(out, abcitypes.Event{Type: ev.Name, Attributes: attrs})
	}
	return out
}

// Commit implements the ABCI Commit method
func (app *Application) Commit(_ context.Context, commit *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock == nil {
		return &abcitypes.CommitResponse{}, nil
	}
	err := app.onGoingBlock.Commit()
	app.onGoingBlock = nil
	if err != nil {
		return nil, fmt.Errorf("commit block: %w", err)
	}
	return &abcitypes.CommitResponse{}, nil
}

// Placeholder implementations for other ABCI methods
func (app *Application) ListSnapshots(_ context.Context, snapshots *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

func (app *Application) OfferSnapshot(_ context.Context, snapshot *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

func (app *Application) LoadSnapshotChunk(_ context.Context, chunk *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

func (app *Application) ApplySnapshotChunk(_ context.Context, chunk *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

func (app *Application) ExtendVote(_ context.Context, extend *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

func (app *Application) VerifyVoteExtension(_ context.Context, verify *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// calculateAppHash hashes the outcome of every call in the block
func calculateAppHash(txResults []*abcitypes.ExecTxResult) []byte {
	h := sha256.New()
	for _, result := range txResults {
		var code [4]byte
		binary.BigEndian.PutUint32(code[:], result.Code)
		h.Write(code[:])
		h.Write([]byte(result.Log))
		for _, ev := range result.Events {
			h.Write([]byte(ev.Type))
			for _, a := range ev.Attributes {
				h.Write([]byte(a.Key))
				h.Write([]byte(a.Value))
			}
		}
	}
	return h.Sum(nil)
}

func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf))
}
