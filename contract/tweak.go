package contract

import (
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// NonceSize is the length in bytes of a per-swap key-derivation nonce.
const NonceSize = 32

// NewNonce draws a fresh random 32-byte nonce from crypto/rand.
func NewNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// TweakPoint homomorphically derives a per-swap public key from a
// long-term tweakable point: point' = point + nonce*G = G*(k+n), so a
// party holding the scalar k and told n can reconstruct the matching
// private key with TweakScalar. Fails if the sum is the point at
// infinity (nonce*G is the point's negation), which has no valid
// compressed encoding and no usable private key.
func TweakPoint(point *btcec.PublicKey, nonce [NonceSize]byte) (*btcec.PublicKey, error) {
	var nonceScalar btcec.ModNScalar
	nonceScalar.SetByteSlice(nonce[:])

	var nonceJ, pointJ, sumJ btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&nonceScalar, &nonceJ)
	point.AsJacobian(&pointJ)
	btcec.AddNonConst(&pointJ, &nonceJ, &sumJ)
	if sumJ.Z.IsZero() || (sumJ.X.IsZero() && sumJ.Y.IsZero()) {
		return nil, fmt.Errorf("tweak point: result is the point at infinity")
	}
	sumJ.ToAffine()

	return btcec.NewPublicKey(&sumJ.X, &sumJ.Y), nil
}

// TweakScalar homomorphically derives the private key matching TweakPoint:
// priv' = priv + nonce mod N, the scalar half of TweakPoint. Fails if the
// sum is zero mod N, which is not a valid private key.
func TweakScalar(priv *btcec.PrivateKey, nonce [NonceSize]byte) (*btcec.PrivateKey, error) {
	var nonceScalar btcec.ModNScalar
	nonceScalar.SetByteSlice(nonce[:])

	privScalar := priv.Key
	privScalar.Add(&nonceScalar)
	if privScalar.IsZero() {
		return nil, fmt.Errorf("tweak scalar: result is zero")
	}

	sumBytes := privScalar.Bytes()
	tweaked, _ := btcec.PrivKeyFromBytes(sumBytes[:])
	return tweaked, nil
}
