package types

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// RequestID is the content hash that identifies a ProofRequest
type RequestID = common.Hash

// OperatorID is the public identity of a prover operator
type OperatorID = common.Address

// ProofRequest is the job description submitted by a requester
type ProofRequest struct {
	// Requester eth address, must match the signer
	Requester common.Address `json:"requester"`
	// Payload contains the opaque prover input
	Payload hexutil.Bytes `json:"payload"`
	// Requirement contains the minimal resource claims for the prover
	Requirement ResourceRequirement `json:"resourceRequirement"`
	// Amount offered for the proof generation
	Amount *big.Int `json:"amount"`
	// Nonce distinguishes otherwise identical requests
	Nonce uint64 `json:"nonce"`
}

// Hash returns the content hash of the request, used as its id
func (p *ProofRequest) Hash() RequestID {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], p.Nonce)

	var req [32]byte
	binary.BigEndian.PutUint64(req[0:8], p.Requirement.MinRam)
	binary.BigEndian.PutUint64(req[8:16], p.Requirement.MinSsd)
	binary.BigEndian.PutUint64(req[16:24], p.Requirement.MinCpuCores)
	binary.BigEndian.PutUint64(req[24:32], p.Requirement.MinGpuVram)

	var amount []byte
	if p.Amount != nil {
		amount = p.Amount.Bytes()
	}

	return crypto.Keccak256Hash(p.Requester.Bytes(),
		crypto.Keccak256(p.Payload), req[:], amount, nonce[:])
}

// SignedRequest wraps a ProofRequest with the signer identity and an ECDSA
// signature over the request id
type SignedRequest struct {
	Payload   ProofRequest   `json:"payload"`
	PublicKey common.Address `json:"publicKey"`
	Signature hexutil.Bytes  `json:"signature"`
}

// ID returns the content hash of the wrapped payload
func (s *SignedRequest) ID() RequestID {
	return s.Payload.Hash()
}

// Verify checks that the signature over the request id recovers to the
// declared signer and that the signer is the requester
func (s *SignedRequest) Verify() error {
	if s.Payload.Requester != s.PublicKey {
		return fmt.Errorf("%w: requester is not the signer", ErrUnauthorized)
	}
	return VerifySignature(s.PublicKey, s.ID(), s.Signature)
}

// VerifySignature checks an ECDSA signature over the given digest against
// the expected signer address
func VerifySignature(signer common.Address, digest common.Hash, sig []byte) error {
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: signature length %d", ErrUnauthorized, len(sig))
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if crypto.PubkeyToAddress(*pub) != signer {
		return fmt.Errorf("%w: signature does not match signer %s",
			ErrUnauthorized, signer.Hex())
	}
	return nil
}

// Request is the stored record of a proof request with its lifecycle and
// escrow state
type Request struct {
	ID               RequestID
	Signed           SignedRequest
	Assigned         *OperatorID
	Status           RequestStatus
	Payment          PaymentStatus
	Amount           *big.Int
	RejectionMessage string
	Proof            []byte
	ProofFailures    int
	PendingReady     bool
	LastStatusUpdate time.Time
}

// Requester returns the identity that submitted the request
func (r *Request) Requester() common.Address {
	return r.Signed.Payload.Requester
}

// OperatorLivenessWindow bounds how stale the last interaction of an online
// operator may be before it stops being eligible
const OperatorLivenessWindow = 3 * time.Minute

// Operator is the matchmaker view of a registered prover operator
type Operator struct {
	ID              OperatorID
	Resource        Resource
	Reputation      int64
	Online          bool
	LastInteraction time.Time
	LastAssignment  time.Time
}

// IsOnline returns true if the operator is flagged online and interacted
// recently enough to be trusted with an assignment
func (o *Operator) IsOnline(now time.Time) bool {
	return o.Online && now.Sub(o.LastInteraction) < OperatorLivenessWindow
}

// AvsOperatorRecord is the on-chain registration view of an operator
type AvsOperatorRecord struct {
	ID                  OperatorID
	Socket              string
	ELRegistered        bool
	RegisteredTillBlock uint64
}

// HeartbeatDigest is the digest an operator signs to authenticate a
// heartbeat. The timestamp bounds replays to the liveness window.
func HeartbeatDigest(op OperatorID, at time.Time) common.Hash {
	var millis [8]byte
	binary.BigEndian.PutUint64(millis[:], uint64(at.UnixMilli()))
	return crypto.Keccak256Hash([]byte("heartbeat"), op.Bytes(), millis[:])
}

// AssignmentPollDigest is the digest an operator signs to read its own
// pending assignment
func AssignmentPollDigest(op OperatorID) common.Hash {
	return crypto.Keccak256Hash([]byte("assignment"), op.Bytes())
}

// Requester holds the deposit balance mirrored from the chain
type Requester struct {
	ID      common.Address
	Deposit *big.Int
}
