package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
)

var (
	ErrInvalidPublicKey = errors.New("Invalid public key")
	ErrInvalidSignature = errors.New("Invalid signature")
)

// SignedChallenge is a primary's proof of key possession, as sent to
// POST /v1/auth.
type SignedChallenge struct {
	PublicKey ed25519.PublicKey
	Challenge []byte
	Signature []byte
}

// DecodeSignedChallenge decodes the base64 fields of a login request.
func DecodeSignedChallenge(publicKeyB64, challengeB64, signatureB64 string) (SignedChallenge, error) {
	publicKey, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return SignedChallenge{}, ErrInvalidPublicKey
	}
	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil || len(challenge) == 0 {
		return SignedChallenge{}, ErrInvalidSignature
	}
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return SignedChallenge{}, ErrInvalidSignature
	}
	return SignedChallenge{PublicKey: publicKey, Challenge: challenge, Signature: signature}, nil
}

func (s SignedChallenge) Verify() error {
	if !ed25519.Verify(s.PublicKey, s.Challenge, s.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyChallenge decodes and verifies in one step.
func VerifyChallenge(publicKeyB64, challengeB64, signatureB64 string) error {
	sc, err := DecodeSignedChallenge(publicKeyB64, challengeB64, signatureB64)
	if err != nil {
		return err
	}
	return sc.Verify()
}
