package wire

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// HashMessage creates an EIP-191 style signed message hash.
// The prefix binds the signature to this protocol's message domain.
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// Sign signs a message with a hex-encoded secp256k1 private key and
// returns the hex signature (r[32] + s[32] + v[1], v in {27,28}).
func Sign(message string, privKeyHex string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	sig, err := crypto.Sign(HashMessage(message), key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverAddress recovers the signer's address from a message and signature.
// signature should be hex-encoded, 65 bytes (r[32] + s[32] + v[1]).
func RecoverAddress(message string, signatureHex string) (string, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")

	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}

	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Signatures carry v = 27 or 28, but Ecrecover expects 0 or 1.
	// Work on a copy so the caller's slice is untouched.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(HashMessage(message), sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}

	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	address := crypto.PubkeyToAddress(*pubKey)
	return strings.ToLower(address.Hex()), nil
}

// VerifySignature verifies that a signature over message was created by
// the expected address.
func VerifySignature(message string, signatureHex string, expectedAddress string) error {
	recoveredAddr, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	if !strings.EqualFold(recoveredAddr, expectedAddress) {
		return fmt.Errorf("signature mismatch: expected %s, got %s", expectedAddress, recoveredAddr)
	}

	return nil
}

// AddressFromKey derives the lowercase address for a hex private key.
func AddressFromKey(privKeyHex string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()), nil
}
