package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
)

// SolanaRPC wraps the solana RPC client methods used by the source.
type SolanaRPC interface {
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetSignaturesForAddressOpts) ([]*solanarpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, signature solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error)
}

type RPCSourceConfig struct {
	Client    SolanaRPC
	ProgramID solana.PublicKey
}

func (cfg *RPCSourceConfig) Validate() error {
	if cfg.Client == nil {
		return errors.New("rpc client is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	return nil
}

// RPCSource reads the staking program's transaction history from a Solana
// RPC node. Instruction kinds and amounts are recovered from program log
// messages; the fee payer is taken as the acting owner.
type RPCSource struct {
	cfg RPCSourceConfig
}

func NewRPCSource(cfg RPCSourceConfig) (*RPCSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RPCSource{cfg: cfg}, nil
}

func (s *RPCSource) Recent(ctx context.Context, limit int) ([]EventHeader, error) {
	sigs, err := s.cfg.Client.GetSignaturesForAddressWithOpts(ctx, s.cfg.ProgramID, &solanarpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: solanarpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signatures for %s: %w", s.cfg.ProgramID, err)
	}

	headers := make([]EventHeader, 0, len(sigs))
	for _, sig := range sigs {
		h := EventHeader{
			Signature: sig.Signature,
			Slot:      sig.Slot,
			Finalized: sig.ConfirmationStatus == solanarpc.ConfirmationStatusFinalized,
			Failed:    sig.Err != nil,
		}
		if sig.BlockTime != nil {
			h.BlockTime = sig.BlockTime.Time().UTC()
		}
		headers = append(headers, h)
	}
	return headers, nil
}

func (s *RPCSource) Detail(ctx context.Context, header EventHeader) (*Event, error) {
	maxVersion := uint64(0)
	res, err := s.cfg.Client.GetTransaction(ctx, header.Signature, &solanarpc.GetTransactionOpts{
		Commitment:                     solanarpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", header.Signature, err)
	}
	if res == nil || res.Meta == nil {
		return nil, fmt.Errorf("transaction %s has no metadata", header.Signature)
	}

	ev := &Event{
		Signature:  header.Signature,
		Slot:       header.Slot,
		BlockTime:  header.BlockTime,
		Kind:       kindFromLogs(res.Meta.LogMessages),
		Amount:     amountFromLogs(res.Meta.LogMessages),
		Confidence: ConfidenceConfirmed,
	}
	if header.Finalized {
		ev.Confidence = ConfidenceFinalized
	}
	if ev.BlockTime.IsZero() && res.BlockTime != nil {
		ev.BlockTime = res.BlockTime.Time().UTC()
	}

	if res.Transaction != nil {
		tx, terr := res.Transaction.GetTransaction()
		if terr == nil && tx != nil && len(tx.Message.AccountKeys) > 0 {
			ev.Owner = tx.Message.AccountKeys[0]
			if len(tx.Message.AccountKeys) > 1 {
				ev.Address = tx.Message.AccountKeys[1]
			}
		}
	}

	return ev, nil
}

var instructionKinds = []struct {
	marker string
	kind   EventKind
}{
	{"Instruction: OpenPosition", EventOpen},
	{"Instruction: InitiateClose", EventClose},
	{"Instruction: Withdraw", EventWithdraw},
	{"Instruction: ClaimReward", EventClaim},
	{"Instruction: VestReward", EventVest},
}

func kindFromLogs(logs []string) EventKind {
	for _, line := range logs {
		for _, ik := range instructionKinds {
			if strings.Contains(line, ik.marker) {
				return ik.kind
			}
		}
	}
	return EventUnknown
}

const amountLogPrefix = "Program log: amount="

func amountFromLogs(logs []string) uint64 {
	for _, line := range logs {
		rest, ok := strings.CutPrefix(line, amountLogPrefix)
		if !ok {
			continue
		}
		amount, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			return 0
		}
		return amount
	}
	return 0
}
