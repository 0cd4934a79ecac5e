package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"palindromepay/config"
	"palindromepay/core/events"
	"palindromepay/core/types"
	"palindromepay/crypto"
	gatewayauth "palindromepay/gateway/auth"
	"palindromepay/native/bank"
	"palindromepay/native/escrow"
	"palindromepay/rpc"
	"palindromepay/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./config.toml", "path to the TOML config file")
	flag.Parse()

	logger := log.New(os.Stdout, "escrowd ", log.LstdFlags|log.LUTC)
	if err := run(configPath, logger); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}

func run(configPath string, logger *log.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	operatorKey, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, cfg.KeystorePassphrase)
	if err != nil {
		return fmt.Errorf("load operator key: %w", err)
	}
	operator := operatorKey.PubKey().Address()
	logger.Printf("operator address: %s", operator)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	engine, err := buildEngine(cfg, db, operator.Raw(), logger)
	if err != nil {
		return err
	}

	var auth *gatewayauth.Authenticator
	if len(cfg.APIKeys) > 0 {
		secrets := make(map[string]string, len(cfg.APIKeys))
		for _, key := range cfg.APIKeys {
			secrets[key.Key] = key.Secret
		}
		auth = gatewayauth.NewAuthenticator(secrets, cfg.AuthTimestampSkew.Duration, cfg.AuthNonceTTL.Duration, time.Now)
	} else {
		logger.Printf("warning: no API keys configured, admin routes are unauthenticated")
	}

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           rpc.NewServer(engine, auth, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.ListenAddress)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildEngine(cfg *config.Config, db storage.Database, operator [20]byte, logger *log.Logger) (*escrow.Engine, error) {
	engine := escrow.NewEngine()
	engine.SetState(escrow.NewStoreState(db))
	engine.SetOperator(operator)
	engine.SetEmitter(logEmitter{logger: logger})
	if err := engine.SetFeeBps(cfg.FeeBps); err != nil {
		return nil, err
	}

	vault := escrow.NewVault(vaultAddress())
	ledger := bank.NewLedger(db)
	for _, bal := range cfg.GenesisBalances {
		addr, err := crypto.DecodeAddress(bal.Address)
		if err != nil {
			return nil, fmt.Errorf("genesis address: %w", err)
		}
		amount, ok := new(big.Int).SetString(bal.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("genesis amount %q for %s is not a decimal integer", bal.Amount, bal.Address)
		}
		if err := ledger.Mint(addr.Raw(), amount); err != nil {
			return nil, fmt.Errorf("mint genesis balance: %w", err)
		}
	}

	if cfg.TokenAddress != "" {
		addr, err := crypto.DecodeAddress(cfg.TokenAddress)
		if err != nil {
			return nil, fmt.Errorf("token address: %w", err)
		}
		vault.RegisterToken(addr.Raw(), ledger)
		vault.SetAllowed(addr.Raw(), true)
	}
	for _, token := range cfg.AllowedTokens {
		addr, err := crypto.DecodeAddress(token)
		if err != nil {
			return nil, fmt.Errorf("allowed token: %w", err)
		}
		vault.RegisterToken(addr.Raw(), ledger)
		vault.SetAllowed(addr.Raw(), true)
	}
	engine.SetVault(vault)
	engine.SetAuthorizer(escrow.NewAuthorizer(cfg.ChainID, vault.Address()))
	return engine, nil
}

// vaultAddress derives the fixed address funds are held under. Nothing holds
// a key for it; payouts only ever move funds out through the engine.
func vaultAddress() [20]byte {
	var addr [20]byte
	sum := ethcrypto.Keccak256([]byte("palindromepay/escrow-vault/v1"))
	copy(addr[:], sum[12:])
	return addr
}

// logEmitter writes engine events to the process log.
type logEmitter struct {
	logger *log.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	if rich, ok := evt.(interface{ Event() *types.Event }); ok {
		l.logger.Printf("event %s %v", evt.EventType(), rich.Event().Attributes)
		return
	}
	l.logger.Printf("event %s", evt.EventType())
}
