package solana

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/memo"

	apierrors "github.com/meridianpay/gateway/internal/errors"
)

// allowedProgramIDs lists every program a client-submitted payment
// transaction is permitted to invoke. The server co-signs and broadcasts
// these transactions in gasless mode, so an instruction addressed to any
// program outside this set could move funds or call arbitrary code under
// the server's signature without ever touching the transfer path this
// package validates.
var allowedProgramIDs = map[solana.PublicKey]struct{}{
	solana.TokenProgramID:                  {},
	solana.SystemProgramID:                 {},
	solana.SPLAssociatedTokenAccountProgramID: {},
	memo.ProgramID:                         {},
	computebudget.ProgramID:                {},
}

// checkProgramAllowlist rejects a transaction that references any program
// outside allowedProgramIDs. It must run before co-signing or broadcasting.
func checkProgramAllowlist(tx *solana.Transaction) error {
	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
			return newVerificationError(apierrors.ErrCodeInvalidTransaction, errors.New("instruction references out-of-range program index"))
		}
		programID := tx.Message.AccountKeys[inst.ProgramIDIndex]
		if _, ok := allowedProgramIDs[programID]; !ok {
			return newVerificationError(apierrors.ErrCodeInvalidTransaction, fmt.Errorf("instruction invokes disallowed program %s", programID.String()))
		}
	}
	return nil
}
