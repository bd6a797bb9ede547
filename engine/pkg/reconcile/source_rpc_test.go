package reconcile_test

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"

	"github.com/tannatlabs/stakevault/engine/pkg/reconcile"
)

type mockRPC struct {
	signaturesFunc  func(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetSignaturesForAddressOpts) ([]*solanarpc.TransactionSignature, error)
	transactionFunc func(ctx context.Context, sig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error)
}

func (m *mockRPC) GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetSignaturesForAddressOpts) ([]*solanarpc.TransactionSignature, error) {
	return m.signaturesFunc(ctx, account, opts)
}

func (m *mockRPC) GetTransaction(ctx context.Context, sig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
	return m.transactionFunc(ctx, sig, opts)
}

var testProgramID = solana.MustPublicKeyFromBase58("Stake11111111111111111111111111111111111111")

func TestVault_RPCSource_Recent(t *testing.T) {
	t.Parallel()

	sigFinalized := randomSignature(t)
	sigFailed := randomSignature(t)
	blockTime := solana.UnixTimeSeconds(1_767_600_000)

	client := &mockRPC{
		signaturesFunc: func(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetSignaturesForAddressOpts) ([]*solanarpc.TransactionSignature, error) {
			require.Equal(t, testProgramID, account)
			return []*solanarpc.TransactionSignature{
				{Signature: sigFinalized, Slot: 100, BlockTime: &blockTime, ConfirmationStatus: solanarpc.ConfirmationStatusFinalized},
				{Signature: sigFailed, Slot: 101, Err: map[string]any{"InstructionError": []any{}}},
			}, nil
		},
	}

	source, err := reconcile.NewRPCSource(reconcile.RPCSourceConfig{Client: client, ProgramID: testProgramID})
	require.NoError(t, err)

	headers, err := source.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, headers, 2)

	require.Equal(t, sigFinalized, headers[0].Signature)
	require.True(t, headers[0].Finalized)
	require.False(t, headers[0].Failed)
	require.Equal(t, blockTime.Time().UTC(), headers[0].BlockTime)

	require.Equal(t, sigFailed, headers[1].Signature)
	require.False(t, headers[1].Finalized)
	require.True(t, headers[1].Failed)
}

func TestVault_RPCSource_Detail(t *testing.T) {
	t.Parallel()

	sig := randomSignature(t)
	client := &mockRPC{
		transactionFunc: func(ctx context.Context, gotSig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
			require.Equal(t, sig, gotSig)
			return &solanarpc.GetTransactionResult{
				Meta: &solanarpc.TransactionMeta{
					LogMessages: []string{
						"Program Stake11111111111111111111111111111111111111 invoke [1]",
						"Program log: Instruction: OpenPosition",
						"Program log: amount=1000000000",
					},
				},
			}, nil
		},
	}

	source, err := reconcile.NewRPCSource(reconcile.RPCSourceConfig{Client: client, ProgramID: testProgramID})
	require.NoError(t, err)

	header := reconcile.EventHeader{Signature: sig, Slot: 7, Finalized: true}
	ev, err := source.Detail(context.Background(), header)
	require.NoError(t, err)

	require.Equal(t, reconcile.EventOpen, ev.Kind)
	require.Equal(t, uint64(1_000_000_000), ev.Amount)
	require.Equal(t, uint64(7), ev.Slot)
	require.Equal(t, reconcile.ConfidenceFinalized, ev.Confidence)
}
