package types

import (
	"fmt"
	"testing"

	"ouro/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyManager(t *testing.T, b byte) *utils.KeyManager {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = b
	}
	km, err := utils.NewKeyManager(fmt.Sprintf("%x", seed))
	require.NoError(t, err)
	return km
}

// 签名必须覆盖交易的每个共识字段，改任何一个都要导致
// 身份变化且签名失效。
func TestSigningBytesCoverAllFields(t *testing.T) {
	km := testKeyManager(t, 1)
	tx := &Transaction{
		From:      km.Address(),
		To:        "ouro1recipient",
		Amount:    "10",
		Nonce:     3,
		Fee:       "1",
		ChainID:   "ouro-main",
		Payload:   []byte(`{"k":"v"}`),
		GasLimit:  21000,
		PublicKey: km.PublicKey,
	}
	tx.Signature = km.Sign(tx.SigningBytes())
	require.True(t, utils.VerifyEd25519(tx.PublicKey, tx.SigningBytes(), tx.Signature))
	origID := tx.TxID()

	mutations := []func(*Transaction){
		func(m *Transaction) { m.To = "ouro1other" },
		func(m *Transaction) { m.Amount = "11" },
		func(m *Transaction) { m.Nonce = 4 },
		func(m *Transaction) { m.Fee = "2" },
		func(m *Transaction) { m.ChainID = "ouro-test" },
		func(m *Transaction) { m.Payload = []byte(`{"k":"x"}`) },
		func(m *Transaction) { m.GasLimit = 9999999 },
	}
	for i, mutate := range mutations {
		tampered := *tx
		mutate(&tampered)
		assert.NotEqual(t, origID, tampered.TxID(), "mutation %d left tx id unchanged", i)
		assert.False(t, utils.VerifyEd25519(tampered.PublicKey, tampered.SigningBytes(), tampered.Signature),
			"mutation %d survived signature check", i)
	}
}

// ArrivalSeq 是本地元数据，不得影响身份
func TestArrivalSeqOutsideIdentity(t *testing.T) {
	km := testKeyManager(t, 2)
	tx := &Transaction{From: km.Address(), To: "ouro1x", Amount: "1", Fee: "0", PublicKey: km.PublicKey}
	tx.Signature = km.Sign(tx.SigningBytes())
	id := tx.TxID()
	tx.ArrivalSeq = 42
	assert.Equal(t, id, tx.TxID())
}
