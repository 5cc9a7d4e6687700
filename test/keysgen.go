// Package test provides deterministic key and request generators shared by
// the package tests
package test

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/proofmarket/matchmaker-node/types"
)

// Keys contains test private keys and the addresses derived from them
type Keys struct {
	PrivateKeys []*ecdsa.PrivateKey
	Addresses   []common.Address
}

// GenKeys returns n freshly generated keypairs
func GenKeys(n int) Keys {
	var keys Keys
	for i := 0; i < n; i++ {
		sk, err := crypto.GenerateKey()
		if err != nil {
			panic(err)
		}
		keys.PrivateKeys = append(keys.PrivateKeys, sk)
		keys.Addresses = append(keys.Addresses, crypto.PubkeyToAddress(sk.PublicKey))
	}
	return keys
}

// SignID signs the given request id with the given key, producing the
// authorization used by requester and operator operations
func SignID(sk *ecdsa.PrivateKey, id types.RequestID) []byte {
	sig, err := crypto.Sign(id.Bytes(), sk)
	if err != nil {
		panic(err)
	}
	return sig
}

// SignDigest signs an arbitrary 32-byte digest with the given key
func SignDigest(sk *ecdsa.PrivateKey, digest common.Hash) []byte {
	sig, err := crypto.Sign(digest.Bytes(), sk)
	if err != nil {
		panic(err)
	}
	return sig
}

// GenSignedRequest builds and signs a proof request from the given key
func GenSignedRequest(sk *ecdsa.PrivateKey, payload []byte, amount int64,
	nonce uint64) *types.SignedRequest {
	requester := crypto.PubkeyToAddress(sk.PublicKey)
	signed := &types.SignedRequest{
		Payload: types.ProofRequest{
			Requester: requester,
			Payload:   payload,
			Amount:    big.NewInt(amount),
			Nonce:     nonce,
		},
		PublicKey: requester,
	}
	signed.Signature = SignID(sk, signed.ID())
	return signed
}

// GenSignedRequestWithRequirement builds and signs a proof request that
// claims the given minimal resources
func GenSignedRequestWithRequirement(sk *ecdsa.PrivateKey, payload []byte,
	amount int64, nonce uint64,
	req types.ResourceRequirement) *types.SignedRequest {
	signed := GenSignedRequest(sk, payload, amount, nonce)
	signed.Payload.Requirement = req
	signed.Signature = SignID(sk, signed.ID())
	return signed
}
