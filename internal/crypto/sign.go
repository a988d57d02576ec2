package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

var (
	ErrNilSigningKey   = errors.New("signing key is nil")
	ErrSignatureVerify = errors.New("signature verification failed")
)

// SignDigest signs an arbitrary-length message under privKey, hashing it
// with SHA-256 before applying ECDSA. Used to sign a block's, vote's, or
// quorum certificate's canonical byte encoding (see types.Block.ComputeID,
// types.Vote.SigningBytes, types.QuorumCertificate.ComputeID).
func SignDigest(privKey *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	if privKey == nil {
		return nil, ErrNilSigningKey
	}
	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, privKey, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to sign digest: %v", ErrKeyGeneration, err)
	}
	return sig, nil
}

// VerifyDigest reports whether signature is a valid ECDSA signature by
// pubKey over message.
func VerifyDigest(pubKey *ecdsa.PublicKey, message, signature []byte) bool {
	if pubKey == nil {
		return false
	}
	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(pubKey, digest[:], signature)
}
