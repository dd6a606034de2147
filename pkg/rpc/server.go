// Package rpc provides the node's Ethereum JSON-RPC server.
package rpc

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/JanDomhof/Mafia/pkg/blockchain"
	"github.com/JanDomhof/Mafia/pkg/cheats"
	"github.com/JanDomhof/Mafia/pkg/logging"
	"github.com/JanDomhof/Mafia/pkg/mafia"
	"github.com/JanDomhof/Mafia/pkg/metrics"
	"github.com/JanDomhof/Mafia/pkg/miner"
	"github.com/JanDomhof/Mafia/pkg/runtime"
	"github.com/JanDomhof/Mafia/pkg/snapshot"
	"github.com/JanDomhof/Mafia/pkg/state"
	"github.com/JanDomhof/Mafia/pkg/txpool"
)

// JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeServer         = -32000

	// ErrCodeExecutionReverted carries contract reverts, as in geth.
	ErrCodeExecutionReverted = 3
)

// ClientVersion is reported by web3_clientVersion.
const ClientVersion = "mafia-node/v0.1.0"

const maxRequestBytes = 5 * 1024 * 1024

// Request represents a JSON-RPC request.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response represents a JSON-RPC response. Result is always present on
// success, as null when the method has nothing to return.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

type errorResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *ErrorObject    `json:"error"`
}

// ErrorObject represents a JSON-RPC error.
type ErrorObject struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string { return e.Message }

func invalidParams(msg string) *ErrorObject {
	return &ErrorObject{Code: ErrCodeInvalidParams, Message: msg}
}

func serverError(err error) *ErrorObject {
	return &ErrorObject{Code: ErrCodeServer, Message: err.Error()}
}

// executionError converts a failed execution into its RPC error. Contract
// failures become code 3 reverts carrying the Error(string) data.
func executionError(res *runtime.Result) *ErrorObject {
	var cerr *mafia.Error
	if errors.As(res.Err, &cerr) {
		return &ErrorObject{
			Code:    ErrCodeExecutionReverted,
			Message: "execution reverted: " + cerr.Error(),
			Data:    hexutil.Bytes(res.ReturnData),
		}
	}
	return serverError(res.Err)
}

// Server implements an Ethereum JSON-RPC server over the node components.
type Server struct {
	chain        *blockchain.Chain
	pool         *txpool.Pool
	stateManager *state.InMemoryManager
	miner        *miner.SimpleMiner
	cheats       *cheats.Manager
	snapshots    *snapshot.Manager
	chainID      *big.Int
	gasPrice     *big.Int

	accounts []common.Address
	keys     map[common.Address]*ecdsa.PrivateKey
	mafia    *common.Address

	logger  *zap.Logger
	metrics *metrics.Metrics

	mu sync.RWMutex
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(logger) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithGasPrice sets the price reported by eth_gasPrice and used for
// transactions that do not name one.
func WithGasPrice(price *big.Int) Option {
	return func(s *Server) { s.gasPrice = new(big.Int).Set(price) }
}

// NewServer creates a new RPC server. The cheat and snapshot managers are
// owned by the server.
func NewServer(
	chain *blockchain.Chain,
	pool *txpool.Pool,
	stateManager *state.InMemoryManager,
	m *miner.SimpleMiner,
	opts ...Option,
) *Server {
	s := &Server{
		chain:        chain,
		pool:         pool,
		stateManager: stateManager,
		miner:        m,
		cheats:       cheats.NewManager(stateManager, chain),
		snapshots:    snapshot.NewManager(stateManager, chain, pool),
		chainID:      chain.ChainID(),
		gasPrice:     big.NewInt(1e9),
		keys:         make(map[common.Address]*ecdsa.PrivateKey),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cheats returns the server's cheat manager.
func (s *Server) Cheats() *cheats.Manager { return s.cheats }

// Snapshots returns the server's snapshot manager.
func (s *Server) Snapshots() *snapshot.Manager { return s.snapshots }

// AddAccount registers an unlocked account that eth_sendTransaction signs for.
func (s *Server) AddAccount(addr common.Address, key *ecdsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[addr]; !ok {
		s.accounts = append(s.accounts, addr)
	}
	s.keys[addr] = key
}

// SetMafiaAddress records the node's auto-deployed contract.
func (s *Server) SetMafiaAddress(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mafia = &addr
}

func (s *Server) key(addr common.Address) (*ecdsa.PrivateKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[addr]
	return key, ok
}

// ServeHTTP handles single and batched JSON-RPC requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		s.encode(w, errorResponse{Jsonrpc: "2.0", ID: nullID, Error: &ErrorObject{Code: ErrCodeInvalidRequest, Message: "method not allowed"}})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.writeError(w, nil, ErrCodeParseError, "failed to read request body")
		return
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var reqs []Request
		if err := json.Unmarshal(body, &reqs); err != nil {
			s.writeError(w, nil, ErrCodeParseError, "parse error")
			return
		}
		if len(reqs) == 0 {
			s.writeError(w, nil, ErrCodeInvalidRequest, "empty batch")
			return
		}
		resps := make([]interface{}, len(reqs))
		for i := range reqs {
			resps[i] = s.handle(&reqs[i])
		}
		s.encode(w, resps)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, nil, ErrCodeParseError, "parse error")
		return
	}
	s.encode(w, s.handle(&req))
}

var nullID = json.RawMessage("null")

func (s *Server) handle(req *Request) interface{} {
	id := req.ID
	if len(id) == 0 {
		id = nullID
	}
	if req.Method == "" {
		return errorResponse{Jsonrpc: "2.0", ID: id, Error: &ErrorObject{Code: ErrCodeInvalidRequest, Message: "invalid request"}}
	}

	start := time.Now()
	result, rpcErr := s.handleMethod(req.Method, req.Params)
	s.metrics.ObserveRPC(metricMethod(req.Method, rpcErr), outcome(rpcErr), time.Since(start))

	if rpcErr != nil {
		s.logger.Debug("rpc request failed",
			zap.String("method", req.Method),
			zap.Int("code", rpcErr.Code),
			zap.String("message", rpcErr.Message))
		return errorResponse{Jsonrpc: "2.0", ID: id, Error: rpcErr}
	}
	return Response{Jsonrpc: "2.0", ID: id, Result: result}
}

// metricMethod keeps unknown method names out of metric labels.
func metricMethod(method string, rpcErr *ErrorObject) string {
	if rpcErr != nil && rpcErr.Code == ErrCodeMethodNotFound {
		return "unknown"
	}
	return method
}

func outcome(rpcErr *ErrorObject) string {
	switch {
	case rpcErr == nil:
		return "ok"
	case rpcErr.Code == ErrCodeExecutionReverted:
		return "revert"
	default:
		return "error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	if len(id) == 0 {
		id = nullID
	}
	s.encode(w, errorResponse{
		Jsonrpc: "2.0",
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message},
	})
}

func (s *Server) encode(w io.Writer, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write rpc response", zap.Error(err))
	}
}

func (s *Server) handleMethod(method string, params json.RawMessage) (interface{}, *ErrorObject) {
	// hardhat_ is accepted wherever anvil_ is.
	if strings.HasPrefix(method, "hardhat_") {
		method = "anvil_" + strings.TrimPrefix(method, "hardhat_")
	}

	switch method {
	// eth_* methods
	case "eth_chainId":
		return s.ethChainID()
	case "eth_blockNumber":
		return s.ethBlockNumber()
	case "eth_getBalance":
		return s.ethGetBalance(params)
	case "eth_getTransactionCount":
		return s.ethGetTransactionCount(params)
	case "eth_getCode":
		return s.ethGetCode(params)
	case "eth_getStorageAt":
		return s.ethGetStorageAt(params)
	case "eth_getBlockByNumber":
		return s.ethGetBlockByNumber(params)
	case "eth_getBlockByHash":
		return s.ethGetBlockByHash(params)
	case "eth_gasPrice":
		return s.ethGasPrice()
	case "eth_maxPriorityFeePerGas":
		return hexutil.EncodeUint64(0), nil
	case "eth_estimateGas":
		return s.ethEstimateGas(params)
	case "eth_accounts":
		return s.ethAccounts()
	case "eth_call":
		return s.ethCall(params)
	case "eth_sendTransaction":
		return s.ethSendTransaction(params)
	case "eth_sendRawTransaction":
		return s.ethSendRawTransaction(params)
	case "eth_getTransactionReceipt":
		return s.ethGetTransactionReceipt(params)
	case "eth_getTransactionByHash":
		return s.ethGetTransactionByHash(params)
	case "eth_getLogs":
		return s.ethGetLogs(params)
	case "net_version":
		return s.netVersion()
	case "net_listening":
		return true, nil
	case "web3_clientVersion":
		return ClientVersion, nil
	case "web3_sha3":
		return s.web3Sha3(params)

	// anvil_* methods
	case "anvil_setBalance":
		return s.anvilSetBalance(params)
	case "anvil_setNonce":
		return s.anvilSetNonce(params)
	case "anvil_setCode":
		return s.anvilSetCode(params)
	case "anvil_setStorageAt":
		return s.anvilSetStorageAt(params)
	case "anvil_impersonateAccount":
		return s.anvilImpersonateAccount(params)
	case "anvil_stopImpersonatingAccount":
		return s.anvilStopImpersonatingAccount(params)
	case "anvil_autoImpersonateAccount":
		return s.anvilAutoImpersonateAccount(params)
	case "anvil_mine":
		return s.anvilMine(params)
	case "anvil_dropTransaction":
		return s.anvilDropTransaction(params)
	case "anvil_dropAllTransactions":
		return s.anvilDropAllTransactions()
	case "anvil_dumpState":
		return s.anvilDumpState()
	case "anvil_loadState":
		return s.anvilLoadState(params)
	case "anvil_nodeInfo":
		return s.anvilNodeInfo()
	case "anvil_snapshot", "evm_snapshot":
		return s.evmSnapshot()
	case "anvil_revert", "evm_revert":
		return s.evmRevert(params)
	case "anvil_increaseTime", "evm_increaseTime":
		return s.evmIncreaseTime(params)
	case "anvil_setNextBlockTimestamp", "evm_setNextBlockTimestamp":
		return s.evmSetNextBlockTimestamp(params)
	case "anvil_setAutomine", "evm_setAutomine":
		return s.evmSetAutomine(params)
	case "evm_mine":
		return s.evmMine(params)

	// mafia_* methods
	case "mafia_address":
		return s.mafiaAddress()

	default:
		return nil, &ErrorObject{Code: ErrCodeMethodNotFound, Message: "the method " + method + " does not exist/is not available"}
	}
}
