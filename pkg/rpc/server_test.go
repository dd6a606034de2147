package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JanDomhof/Mafia/pkg/blockchain"
	"github.com/JanDomhof/Mafia/pkg/mafia"
	"github.com/JanDomhof/Mafia/pkg/metrics"
	"github.com/JanDomhof/Mafia/pkg/miner"
	"github.com/JanDomhof/Mafia/pkg/state"
	"github.com/JanDomhof/Mafia/pkg/txpool"
)

var (
	ownerKey, _ = crypto.HexToECDSA("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	owner       = crypto.PubkeyToAddress(ownerKey.PublicKey)
	stranger    = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	recipient   = common.HexToAddress("0x1234567890123456789012345678901234567890")
	expectedCA  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

type testNode struct {
	server  *Server
	chain   *blockchain.Chain
	pool    *txpool.Pool
	state   *state.InMemoryManager
	metrics *metrics.Metrics
}

func setupServer(t testing.TB) *testNode {
	t.Helper()
	sm := state.NewInMemoryManager()
	require.NoError(t, sm.SetBalance(owner, ether(1000)))
	require.NoError(t, sm.SetBalance(stranger, ether(1000)))

	chain := blockchain.NewChain(big.NewInt(31337), common.Address{})
	require.NoError(t, chain.SetGenesis(blockchain.NewGenesisBlock(sm.Commit(), 1700000000, big.NewInt(0))))
	pool := txpool.New(sm)
	mt := metrics.New()
	m := miner.NewSimpleMiner(chain, pool, sm, miner.WithMetrics(mt))

	server := NewServer(chain, pool, sm, m, WithMetrics(mt))
	server.AddAccount(owner, ownerKey)
	return &testNode{server: server, chain: chain, pool: pool, state: sm, metrics: mt}
}

func makeRequest(t testing.TB, server *Server, method string, params interface{}) *httptest.ResponseRecorder {
	t.Helper()
	reqBody := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}
	body, err := json.Marshal(reqBody)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	return w
}

type jsonrpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    hexutil.Bytes `json:"data"`
}

func parseResponse(t testing.TB, w *httptest.ResponseRecorder) *jsonrpcResponse {
	t.Helper()
	var resp jsonrpcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp
}

// call performs a request that must succeed and decodes its result into out.
func call(t testing.TB, server *Server, out interface{}, method string, params ...interface{}) {
	t.Helper()
	if params == nil {
		params = []interface{}{}
	}
	resp := parseResponse(t, makeRequest(t, server, method, params))
	require.Nil(t, resp.Error, "%s failed: %+v", method, resp.Error)
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Result, out))
	}
}

// callErr performs a request that must fail and returns the error object.
func callErr(t testing.TB, server *Server, method string, params ...interface{}) *jsonrpcError {
	t.Helper()
	resp := parseResponse(t, makeRequest(t, server, method, params))
	require.NotNil(t, resp.Error, "%s unexpectedly succeeded", method)
	return resp.Error
}

func txArgs(from common.Address, to *common.Address, data []byte) map[string]interface{} {
	args := map[string]interface{}{"from": from}
	if to != nil {
		args["to"] = *to
	}
	if data != nil {
		args["data"] = hexutil.Bytes(data)
	}
	return args
}

func packCall(t testing.TB, name string, args ...interface{}) []byte {
	t.Helper()
	data, err := mafia.ABI.Pack(name, args...)
	require.NoError(t, err)
	return data
}

func deployMafia(t testing.TB, n *testNode) common.Address {
	t.Helper()
	payload, err := mafia.CreationPayload(mafia.DefaultParams())
	require.NoError(t, err)

	var hash common.Hash
	call(t, n.server, &hash, "eth_sendTransaction", txArgs(owner, nil, payload))

	var receipt map[string]interface{}
	call(t, n.server, &receipt, "eth_getTransactionReceipt", hash)
	require.Equal(t, "0x1", receipt["status"])
	return common.HexToAddress(receipt["contractAddress"].(string))
}

func TestServer_Identity(t *testing.T) {
	n := setupServer(t)

	var chainID, version, client string
	call(t, n.server, &chainID, "eth_chainId")
	call(t, n.server, &version, "net_version")
	call(t, n.server, &client, "web3_clientVersion")
	assert.Equal(t, "0x7a69", chainID)
	assert.Equal(t, "31337", version)
	assert.Equal(t, ClientVersion, client)

	var accounts []common.Address
	call(t, n.server, &accounts, "eth_accounts")
	assert.Equal(t, []common.Address{owner}, accounts)

	var number hexutil.Uint64
	call(t, n.server, &number, "eth_blockNumber")
	assert.Equal(t, hexutil.Uint64(0), number)
}

func TestServer_ProtocolErrors(t *testing.T) {
	n := setupServer(t)

	rpcErr := callErr(t, n.server, "eth_doesNotExist")
	assert.Equal(t, ErrCodeMethodNotFound, rpcErr.Code)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	n.server.ServeHTTP(w, req)
	assert.Equal(t, ErrCodeParseError, parseResponse(t, w).Error.Code)

	rpcErr = callErr(t, n.server, "eth_getBalance")
	assert.Equal(t, ErrCodeInvalidParams, rpcErr.Code)
}

func TestServer_Batch(t *testing.T) {
	n := setupServer(t)

	body := `[{"jsonrpc":"2.0","id":1,"method":"eth_chainId","params":[]},` +
		`{"jsonrpc":"2.0","id":2,"method":"net_version","params":[]}]`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	w := httptest.NewRecorder()
	n.server.ServeHTTP(w, req)

	var resps []jsonrpcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resps))
	require.Len(t, resps, 2)
	assert.Equal(t, 2, resps[1].ID)
	assert.JSONEq(t, `"31337"`, string(resps[1].Result))
}

func TestServer_StateCheats(t *testing.T) {
	n := setupServer(t)

	call(t, n.server, nil, "hardhat_setBalance", recipient, "0x64")
	call(t, n.server, nil, "anvil_setNonce", recipient, "0x7")
	call(t, n.server, nil, "anvil_setCode", recipient, "0xfe01")
	call(t, n.server, nil, "anvil_setStorageAt", recipient, "0x1", "0x2a")

	var balance hexutil.Big
	call(t, n.server, &balance, "eth_getBalance", recipient, "latest")
	assert.Equal(t, big.NewInt(100), balance.ToInt())

	var nonce hexutil.Uint64
	call(t, n.server, &nonce, "eth_getTransactionCount", recipient, "latest")
	assert.Equal(t, hexutil.Uint64(7), nonce)

	var code hexutil.Bytes
	call(t, n.server, &code, "eth_getCode", recipient, "latest")
	assert.Equal(t, hexutil.Bytes{0xfe, 0x01}, code)

	var value common.Hash
	call(t, n.server, &value, "eth_getStorageAt", recipient, "0x1", "latest")
	assert.Equal(t, common.HexToHash("0x2a"), value)
}

func TestServer_SendTransactionAutomines(t *testing.T) {
	n := setupServer(t)

	args := txArgs(owner, &recipient, nil)
	args["value"] = (*hexutil.Big)(ether(1))
	var hash common.Hash
	call(t, n.server, &hash, "eth_sendTransaction", args)

	var receipt map[string]interface{}
	call(t, n.server, &receipt, "eth_getTransactionReceipt", hash)
	assert.Equal(t, "0x1", receipt["status"])
	assert.Equal(t, "0x5208", receipt["gasUsed"])
	assert.Equal(t, strings.ToLower(owner.Hex()), strings.ToLower(receipt["from"].(string)))
	assert.Nil(t, receipt["contractAddress"])

	assert.Equal(t, ether(1), n.state.GetBalance(recipient))
	assert.Equal(t, uint64(1), n.chain.BlockNumber())

	// The stored transaction carries a valid signature.
	tx, _, _, _, from := n.chain.GetTransaction(hash)
	require.NotNil(t, tx)
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	assert.Equal(t, owner, sender)
	assert.Equal(t, owner, from)
}

func TestServer_SendRawTransaction(t *testing.T) {
	n := setupServer(t)

	tx := types.NewTx(&types.LegacyTx{Nonce: 0, To: &recipient, Value: big.NewInt(7), Gas: 21000, GasPrice: big.NewInt(1e9)})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(31337)), ownerKey)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)

	var hash common.Hash
	call(t, n.server, &hash, "eth_sendRawTransaction", hexutil.Bytes(raw))
	assert.Equal(t, signed.Hash(), hash)
	assert.Equal(t, big.NewInt(7), n.state.GetBalance(recipient))

	// Replaying the same nonce is rejected.
	rpcErr := callErr(t, n.server, "eth_sendRawTransaction", hexutil.Bytes(raw))
	assert.Equal(t, ErrCodeServer, rpcErr.Code)
}

func TestServer_Impersonation(t *testing.T) {
	n := setupServer(t)
	args := txArgs(stranger, &recipient, nil)

	rpcErr := callErr(t, n.server, "eth_sendTransaction", args)
	assert.Contains(t, rpcErr.Message, "no signer available")

	call(t, n.server, nil, "anvil_impersonateAccount", stranger)
	var hash common.Hash
	call(t, n.server, &hash, "eth_sendTransaction", args)
	assert.Equal(t, uint64(1), n.state.GetNonce(stranger))

	call(t, n.server, nil, "hardhat_stopImpersonatingAccount", stranger)
	callErr(t, n.server, "eth_sendTransaction", args)
}

func TestServer_DeployAndCallMafia(t *testing.T) {
	n := setupServer(t)
	addr := deployMafia(t, n)
	assert.Equal(t, expectedCA, addr)

	var code hexutil.Bytes
	call(t, n.server, &code, "eth_getCode", addr, "latest")
	assert.True(t, mafia.IsCode(code))

	var out hexutil.Bytes
	call(t, n.server, &out, "eth_call", txArgs(stranger, &addr, packCall(t, "owner")), "latest")
	values, err := mafia.ABI.Unpack("owner", out)
	require.NoError(t, err)
	assert.Equal(t, owner, values[0])

	call(t, n.server, &out, "eth_call", txArgs(stranger, &addr, packCall(t, "currentTokenId")), "latest")
	values, err = mafia.ABI.Unpack("currentTokenId", out)
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).SetUint64(mafia.DefaultReserved), values[0])
}

func TestServer_RevertIsCode3(t *testing.T) {
	n := setupServer(t)
	addr := deployMafia(t, n)
	data := packCall(t, "setStatus", uint8(mafia.StatusFree))

	for _, method := range []string{"eth_call", "eth_estimateGas"} {
		rpcErr := callErr(t, n.server, method, txArgs(stranger, &addr, data))
		assert.Equal(t, ErrCodeExecutionReverted, rpcErr.Code, method)
		assert.True(t, strings.HasPrefix(rpcErr.Message, "execution reverted: Mafia: permission denied"), rpcErr.Message)

		reason, err := abi.UnpackRevert(rpcErr.Data)
		require.NoError(t, err)
		assert.Equal(t, mafia.KindPermission, mafia.KindOf(mustParse(t, reason)))
	}

	// Without an explicit gas limit the send fails at estimation.
	call(t, n.server, nil, "anvil_impersonateAccount", stranger)
	rpcErr := callErr(t, n.server, "eth_sendTransaction", txArgs(stranger, &addr, data))
	assert.Equal(t, ErrCodeExecutionReverted, rpcErr.Code)
	assert.Equal(t, uint64(0), n.state.GetNonce(stranger))
}

func mustParse(t testing.TB, reason string) error {
	t.Helper()
	cerr, ok := mafia.ParseReason(reason)
	require.True(t, ok, reason)
	return cerr
}

func TestServer_RevertedTransactionIsMined(t *testing.T) {
	n := setupServer(t)
	addr := deployMafia(t, n)
	call(t, n.server, nil, "anvil_impersonateAccount", stranger)

	args := txArgs(stranger, &addr, packCall(t, "setStatus", uint8(mafia.StatusFree)))
	args["gas"] = hexutil.Uint64(200_000)
	var hash common.Hash
	call(t, n.server, &hash, "eth_sendTransaction", args)

	var receipt map[string]interface{}
	call(t, n.server, &receipt, "eth_getTransactionReceipt", hash)
	assert.Equal(t, "0x0", receipt["status"])
	assert.Empty(t, receipt["logs"])
	assert.Equal(t, uint64(1), n.state.GetNonce(stranger))
}

func TestServer_ManualMining(t *testing.T) {
	n := setupServer(t)
	call(t, n.server, nil, "evm_setAutomine", false)

	var hash common.Hash
	call(t, n.server, &hash, "eth_sendTransaction", txArgs(owner, &recipient, nil))
	assert.Equal(t, uint64(0), n.chain.BlockNumber())
	assert.Equal(t, 1, n.pool.Count())

	var pendingNonce hexutil.Uint64
	call(t, n.server, &pendingNonce, "eth_getTransactionCount", owner, "pending")
	assert.Equal(t, hexutil.Uint64(1), pendingNonce)

	var pending map[string]interface{}
	call(t, n.server, &pending, "eth_getTransactionByHash", hash)
	assert.Nil(t, pending["blockHash"])

	call(t, n.server, nil, "evm_mine")
	assert.Equal(t, uint64(1), n.chain.BlockNumber())
	assert.Equal(t, 0, n.pool.Count())

	var block map[string]interface{}
	call(t, n.server, &block, "eth_getBlockByNumber", "latest", false)
	assert.Equal(t, []interface{}{hash.Hex()}, block["transactions"])

	call(t, n.server, &block, "eth_getBlockByNumber", "0x1", true)
	txs := block["transactions"].([]interface{})
	require.Len(t, txs, 1)
	assert.Equal(t, "0x1", txs[0].(map[string]interface{})["blockNumber"])
}

func TestServer_SnapshotRevert(t *testing.T) {
	n := setupServer(t)
	addr := deployMafia(t, n)

	var id hexutil.Uint64
	call(t, n.server, &id, "evm_snapshot")
	assert.Equal(t, hexutil.Uint64(1), id)

	call(t, n.server, nil, "eth_sendTransaction", txArgs(owner, &addr, packCall(t, "setStatus", uint8(mafia.StatusFree))))
	assert.Equal(t, uint64(2), n.chain.BlockNumber())

	var ok bool
	call(t, n.server, &ok, "evm_revert", id)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), n.chain.BlockNumber())

	var out hexutil.Bytes
	call(t, n.server, &out, "eth_call", txArgs(owner, &addr, packCall(t, "status")))
	values, err := mafia.ABI.Unpack("status", out)
	require.NoError(t, err)
	assert.Equal(t, uint8(mafia.StatusClosed), values[0])

	call(t, n.server, &ok, "evm_revert", id)
	assert.False(t, ok)
}

func TestServer_GetLogs(t *testing.T) {
	n := setupServer(t)
	addr := deployMafia(t, n)

	transfer := mafia.ABI.Events["Transfer"].ID
	var logs []types.Log
	call(t, n.server, &logs, "eth_getLogs", map[string]interface{}{
		"fromBlock": "earliest",
		"address":   addr,
		"topics":    []interface{}{transfer},
	})
	require.Len(t, logs, int(mafia.DefaultReserved))
	assert.Equal(t, common.BigToHash(big.NewInt(int64(mafia.DefaultReserved-1))), logs[len(logs)-1].Topics[3])

	call(t, n.server, &logs, "eth_getLogs", map[string]interface{}{
		"fromBlock": "earliest",
		"address":   []common.Address{recipient},
	})
	assert.Empty(t, logs)
}

func TestServer_Timestamps(t *testing.T) {
	n := setupServer(t)

	call(t, n.server, nil, "evm_setNextBlockTimestamp", hexutil.Uint64(1700001000))
	call(t, n.server, nil, "evm_mine")
	assert.Equal(t, uint64(1700001000), n.chain.CurrentBlock().Time())

	rpcErr := callErr(t, n.server, "evm_setNextBlockTimestamp", hexutil.Uint64(1700000500))
	assert.Equal(t, ErrCodeServer, rpcErr.Code)

	call(t, n.server, nil, "anvil_mine", hexutil.Uint64(3), hexutil.Uint64(60))
	assert.Equal(t, uint64(4), n.chain.BlockNumber())
	for number := uint64(3); number <= 4; number++ {
		block, err := n.chain.BlockByNumber(number)
		require.NoError(t, err)
		parent, err := n.chain.BlockByNumber(number - 1)
		require.NoError(t, err)
		assert.Equal(t, parent.Time()+60, block.Time())
	}
}

func TestServer_MetricsOutcomes(t *testing.T) {
	n := setupServer(t)
	addr := deployMafia(t, n)

	call(t, n.server, nil, "eth_chainId")
	callErr(t, n.server, "eth_call", txArgs(stranger, &addr, packCall(t, "setStatus", uint8(mafia.StatusFree))))
	callErr(t, n.server, "nope")

	families, err := n.metrics.Registry().Gather()
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, f := range families {
		if f.GetName() != "mafia_rpc_requests_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			seen[labels["method"]+"/"+labels["outcome"]] = true
		}
	}
	assert.True(t, seen["eth_chainId/ok"])
	assert.True(t, seen["eth_call/revert"])
	assert.True(t, seen["unknown/error"])
}
