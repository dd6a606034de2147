// Package backend assembles a node from its components and serves it
// over HTTP.
package backend

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/JanDomhof/Mafia/pkg/blockchain"
	"github.com/JanDomhof/Mafia/pkg/config"
	"github.com/JanDomhof/Mafia/pkg/genesis"
	"github.com/JanDomhof/Mafia/pkg/logging"
	"github.com/JanDomhof/Mafia/pkg/mafia"
	"github.com/JanDomhof/Mafia/pkg/metrics"
	"github.com/JanDomhof/Mafia/pkg/miner"
	"github.com/JanDomhof/Mafia/pkg/rpc"
	"github.com/JanDomhof/Mafia/pkg/runtime"
	"github.com/JanDomhof/Mafia/pkg/state"
	"github.com/JanDomhof/Mafia/pkg/txpool"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("backend already started")
	ErrNotStarted     = errors.New("backend not started")
)

const shutdownTimeout = 5 * time.Second

// Backend is a running development node.
type Backend struct {
	cfg *config.Config

	state   *state.InMemoryManager
	chain   *blockchain.Chain
	pool    *txpool.Pool
	miner   *miner.SimpleMiner
	server  *rpc.Server
	metrics *metrics.Metrics
	logger  *zap.Logger

	accounts []*genesis.Account
	mafia    *common.Address

	httpServer *http.Server
	listener   net.Listener
	done       chan struct{}
	serveErr   error

	mu sync.Mutex
}

// New builds a node from cfg. When cfg asks for it, the Mafia contract is
// deployed from the first account in block 1.
func New(cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger = logging.OrNop(logger)

	b := &Backend{
		cfg:     cfg.Copy(),
		state:   state.NewInMemoryManager(),
		metrics: metrics.New(),
		logger:  logger,
	}

	genesisBlock, accounts, err := genesis.Create(b.cfg, b.state, uint64(time.Now().Unix()))
	if err != nil {
		return nil, err
	}
	b.accounts = accounts

	b.chain = blockchain.NewChain(new(big.Int).SetUint64(b.cfg.ChainID), common.Address{})
	if err := b.chain.SetGenesis(genesisBlock); err != nil {
		return nil, fmt.Errorf("set genesis: %w", err)
	}
	b.pool = txpool.New(b.state)

	b.miner = miner.NewSimpleMiner(b.chain, b.pool, b.state,
		miner.WithLogger(logger.Named("miner")),
		miner.WithMetrics(b.metrics),
		miner.WithObserver(b.observe))
	b.miner.SetGasLimit(b.cfg.GasLimit)
	if err := b.miner.SetMode(miner.ParseMiningMode(b.cfg.MiningMode)); err != nil {
		return nil, err
	}
	if b.cfg.IsIntervalMining() {
		if err := b.miner.SetInterval(b.cfg.BlockTime); err != nil {
			return nil, err
		}
	}

	b.server = rpc.NewServer(b.chain, b.pool, b.state, b.miner,
		rpc.WithLogger(logger.Named("rpc")),
		rpc.WithMetrics(b.metrics),
		rpc.WithGasPrice(b.cfg.GasPrice))
	for _, acc := range accounts {
		b.server.AddAccount(acc.Address, acc.PrivateKey)
	}
	b.server.Cheats().SetAutomine(b.cfg.IsAutomine())
	b.server.Cheats().SetAutoImpersonate(b.cfg.AutoImpersonate)

	if b.cfg.DeploysMafia() {
		addr, err := b.deployMafia(b.cfg.Mafia.Params)
		if err != nil {
			return nil, fmt.Errorf("deploy mafia: %w", err)
		}
		b.mafia = &addr
		b.server.SetMafiaAddress(addr)
	}

	return b, nil
}

// deployMafia deploys the contract from the first account and mines it.
func (b *Backend) deployMafia(p mafia.Params) (common.Address, error) {
	if len(b.accounts) == 0 {
		return common.Address{}, errors.New("no accounts to deploy from")
	}
	deployer := b.accounts[0]

	payload, err := mafia.CreationPayload(p)
	if err != nil {
		return common.Address{}, err
	}

	nonce := b.state.GetNonce(deployer.Address)
	res := b.miner.Call(runtime.Message{From: deployer.Address, Data: payload, SkipNonceCheck: true})
	if res.Failed() {
		return common.Address{}, res.Err
	}

	tx, err := b.sign(deployer.PrivateKey, &types.LegacyTx{
		Nonce:    nonce,
		Gas:      res.GasUsed,
		GasPrice: b.cfg.GasPrice,
		Data:     payload,
	})
	if err != nil {
		return common.Address{}, err
	}

	_, rejections, err := b.miner.Mine([]*txpool.Entry{{Tx: tx, From: deployer.Address}})
	if err != nil {
		return common.Address{}, err
	}
	if len(rejections) > 0 {
		return common.Address{}, rejections[0].Err
	}

	receipt, err := b.chain.GetReceipt(tx.Hash())
	if err != nil {
		return common.Address{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Address{}, errors.New("deployment reverted")
	}

	b.logger.Info("mafia deployed",
		zap.Stringer("address", receipt.ContractAddress),
		zap.Stringer("owner", deployer.Address),
		zap.Uint64("reserved", p.Reserved),
		zap.Uint64("maxSupply", p.MaxSupply))
	return receipt.ContractAddress, nil
}

func (b *Backend) sign(key *ecdsa.PrivateKey, inner *types.LegacyTx) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(b.chain.ChainID())
	return types.SignTx(types.NewTx(inner), signer, key)
}

// observe records mint outcomes for every mined call to a Mafia contract.
func (b *Backend) observe(entry *txpool.Entry, res *runtime.Result) {
	to := entry.Tx.To()
	data := entry.Tx.Data()
	if to == nil || len(data) < 4 || !mafia.IsCode(b.state.GetCode(*to)) {
		return
	}
	method, err := mafia.ABI.MethodById(data[:4])
	if err != nil {
		return
	}

	var path string
	switch method.Name {
	case "mint":
		path = "free"
	case "mintPaid":
		path = "paid"
	default:
		return
	}

	kind := "ok"
	if res.Failed() {
		kind = strings.ReplaceAll(mafia.KindOf(res.Err).String(), " ", "_")
	}

	transfer := mafia.ABI.Events["Transfer"].ID
	var tokens uint64
	for _, l := range res.Logs {
		if len(l.Topics) > 0 && l.Topics[0] == transfer {
			tokens++
		}
	}
	b.metrics.MintAttempt(path, kind, tokens)
}

// Handler returns the HTTP handler: JSON-RPC on / and Prometheus
// metrics on /metrics.
func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", b.metrics.Handler())
	mux.Handle("/", withCORS(b.cfg.AllowOrigin, b.server))
	return mux
}

func withCORS(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start listens on the configured address and starts interval mining if
// configured. It returns once the listener is bound.
func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.httpServer != nil {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", b.cfg.ServerAddr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if b.cfg.IsIntervalMining() {
		if err := b.miner.Start(); err != nil {
			ln.Close()
			return err
		}
	}

	b.listener = ln
	b.httpServer = &http.Server{
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	b.done = make(chan struct{})
	b.serveErr = nil

	go func(srv *http.Server, done chan struct{}) {
		err := srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			b.mu.Lock()
			b.serveErr = err
			b.mu.Unlock()
		}
		close(done)
	}(b.httpServer, b.done)

	b.logger.Info("node listening",
		zap.String("addr", ln.Addr().String()),
		zap.Uint64("chainId", b.cfg.ChainID),
		zap.String("mining", b.cfg.MiningMode))
	return nil
}

// Stop shuts the HTTP server down and stops interval mining.
func (b *Backend) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.httpServer == nil {
		return ErrNotStarted
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
	}

	if b.cfg.IsIntervalMining() {
		if err := b.miner.Stop(); err != nil && !errors.Is(err, miner.ErrNotRunning) {
			b.logger.Warn("stop miner", zap.Error(err))
		}
	}

	err := b.httpServer.Shutdown(ctx)
	done := b.done
	b.mu.Unlock()
	<-done
	b.mu.Lock()
	if err == nil {
		err = b.serveErr
	}
	b.httpServer = nil
	b.listener = nil
	b.logger.Info("node stopped")
	return err
}

// Done is closed when the HTTP server stops serving, whether through
// Stop or a listener failure. It is nil before Start.
func (b *Backend) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Err returns the error that stopped the HTTP server, if any.
func (b *Backend) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serveErr
}

// Addr returns the bound listen address, or nil before Start.
func (b *Backend) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// ChainID returns the chain ID.
func (b *Backend) ChainID() *big.Int { return b.chain.ChainID() }

// BlockNumber returns the head block number.
func (b *Backend) BlockNumber() uint64 { return b.chain.BlockNumber() }

// CurrentBlock returns the head block.
func (b *Backend) CurrentBlock() *types.Block { return b.chain.CurrentBlock() }

// Accounts returns the dev accounts.
func (b *Backend) Accounts() []*genesis.Account { return b.accounts }

// MafiaAddress returns the auto-deployed contract address, if any.
func (b *Backend) MafiaAddress() (common.Address, bool) {
	if b.mafia == nil {
		return common.Address{}, false
	}
	return *b.mafia, true
}

// Metrics returns the node's metrics.
func (b *Backend) Metrics() *metrics.Metrics { return b.metrics }

// State returns the node's state manager.
func (b *Backend) State() *state.InMemoryManager { return b.state }
