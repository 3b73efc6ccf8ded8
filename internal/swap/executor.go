package swap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/signalswap/backend/internal/chain"
	"github.com/signalswap/backend/internal/config"
	"github.com/signalswap/backend/internal/core"
	"github.com/signalswap/backend/internal/secrets"
)

// confirmPollInterval is the spacing between signature status polls.
const confirmPollInterval = 2 * time.Second

// RPC is the slice of the chain client the executor needs.
type RPC interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
	SendTransaction(ctx context.Context, txBase64 string) (string, error)
	GetSignatureStatus(ctx context.Context, signature string) (*chain.SignatureStatus, error)
}

// TxStatus is the observed cluster-side state of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFinalized TxStatus = "finalized"
	TxFailed    TxStatus = "failed"
	TxNotFound  TxStatus = "not_found"
)

// Request describes one swap to perform on behalf of an automation wallet.
type Request struct {
	Wallet     *core.AutomationWallet
	InputMint  string
	OutputMint string
	Amount     uint64
}

// Receipt records a submitted swap: the signature and the blockhash the
// transaction was built against, for the freshness window on retries.
type Receipt struct {
	Signature string
	Blockhash string
	SentAt    time.Time
}

// Executor performs signed swaps end to end. The wallet's private key is
// decrypted only inside a secrets.WithKey callback and zeroed before
// ExecuteAndConfirm returns.
type Executor struct {
	router     Router
	rpc        RPC
	keys       *secrets.Store
	commitment config.Commitment
	timeout    time.Duration
	slippage   int
	logger     *log.Logger
}

// NewExecutor wires the executor from config.
func NewExecutor(router Router, rpc RPC, keys *secrets.Store, cfg *config.Config) *Executor {
	return &Executor{
		router:     router,
		rpc:        rpc,
		keys:       keys,
		commitment: cfg.Commitment,
		timeout:    cfg.TransactionTimeout,
		slippage:   cfg.SlippageBps,
		logger:     log.New(log.Writer(), "[SWAP] ", log.LstdFlags),
	}
}

// Submit quotes, builds, signs and sends one swap, returning the receipt
// without waiting for confirmation. Callers persist the receipt before
// confirming so a crash between send and confirm is reconcilable.
func (e *Executor) Submit(ctx context.Context, req *Request) (*Receipt, error) {
	quote, err := e.router.Quote(ctx, QuoteParams{
		InputMint:   req.InputMint,
		OutputMint:  req.OutputMint,
		Amount:      req.Amount,
		SlippageBps: e.slippage,
	})
	if err != nil {
		return nil, fmt.Errorf("quote route: %w", err)
	}

	unsigned, err := e.router.BuildSwap(ctx, quote, req.Wallet.PublicAddress)
	if err != nil {
		return nil, fmt.Errorf("build swap: %w", err)
	}

	blockhash, err := chain.ExtractBlockhashBase64(unsigned)
	if err != nil {
		return nil, fmt.Errorf("extract blockhash: %w", err)
	}

	master := e.keys.MasterKey(ctx, "wallet", req.Wallet.ID)
	defer secrets.Zero(master)

	var signedTx, signature string
	err = secrets.WithKey(ctx, req.Wallet.Ciphertext, req.Wallet.IV, req.Wallet.AuthTag, master, func(key []byte) error {
		signedTx, signature, err = chain.SignTransactionBase64(key, unsigned)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sign swap: %w", err)
	}

	sentSig, err := e.rpc.SendTransaction(ctx, signedTx)
	if err != nil {
		return nil, fmt.Errorf("send swap: %w", err)
	}
	if sentSig != "" {
		signature = sentSig
	}

	e.logger.Printf("📤 swap submitted: wallet=%s sig=%s min_out=%d", req.Wallet.ID, signature, quote.MinimumOut())
	return &Receipt{Signature: signature, Blockhash: blockhash, SentAt: time.Now().UTC()}, nil
}

// Confirm polls the signature until it reaches the configured commitment,
// the cluster reports failure, or the transaction timeout elapses.
func (e *Executor) Confirm(ctx context.Context, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		status, err := e.Status(ctx, signature)
		switch {
		case err != nil && !errors.Is(err, core.ErrUpstreamTransient):
			return err
		case status == TxFailed:
			return fmt.Errorf("transaction %s failed on chain", signature)
		case status == TxFinalized:
			return nil
		case status == TxConfirmed && e.commitment == config.CommitmentConfirmed:
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s not %s after %s", core.ErrConfirmationTimeout,
				signature, e.commitment, e.timeout)
		case <-ticker.C:
		}
	}
}

// Status reports the cluster-side state of one signature.
func (e *Executor) Status(ctx context.Context, signature string) (TxStatus, error) {
	st, err := e.rpc.GetSignatureStatus(ctx, signature)
	if err != nil {
		return TxPending, err
	}
	if st == nil {
		return TxNotFound, nil
	}
	if st.Failed() {
		return TxFailed, nil
	}
	switch st.ConfirmationStatus {
	case "finalized":
		return TxFinalized, nil
	case "confirmed":
		return TxConfirmed, nil
	default:
		return TxPending, nil
	}
}
