// Package cryptox implements the cryptographic capability consumed by the
// item store: authenticated symmetric encryption of payloads, password key
// derivation, X25519 sealed boxes for messages between parties and Ed25519
// signatures.
package cryptox

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size of every symmetric key handled by the store.
const KeySize = chacha20poly1305.KeySize

var ErrInvalidKey = errors.New("invalid key")

// Crypto is the capability the store uses for all cipher work. Callers treat
// it as opaque; a failed Decrypt or Open always wraps common.ErrDecryptionFailed.
type Crypto interface {
	Encrypt(key, plaintext, aad []byte) (ciphertext, nonce []byte, err error)
	Decrypt(key, ciphertext, nonce, aad []byte) ([]byte, error)
	DeriveKey(password, salt []byte) []byte
	GenerateKey() []byte
	GenerateKeyPairs() (*KeyPairs, error)
	Seal(message []byte, recipientPub, senderPriv []byte) (sealed, nonce []byte, err error)
	Open(sealed, nonce []byte, senderPub, recipientPriv []byte) ([]byte, error)
	Sign(privateKey, message []byte) ([]byte, error)
	Verify(publicKey, message, signature []byte) bool
}

// KeyPairs holds one party's encryption (X25519) and signing (Ed25519) pairs.
// Private halves never leave the local store.
type KeyPairs struct {
	EncPublic   []byte `json:"enc_public"`
	EncPrivate  []byte `json:"enc_private"`
	SignPublic  []byte `json:"sign_public"`
	SignPrivate []byte `json:"sign_private"`
}

// Public returns the shareable half of the pairs.
func (k *KeyPairs) Public() PublicKeys {
	return PublicKeys{
		Enc:  common.CloneBytes(k.EncPublic),
		Sign: common.CloneBytes(k.SignPublic),
	}
}

// PublicKeys is what a contact publishes and what others trust.
type PublicKeys struct {
	Enc  []byte `json:"enc"`
	Sign []byte `json:"sign"`
}

// XChaCha is the default Crypto: XChaCha20-Poly1305, argon2id, nacl box, Ed25519.
type XChaCha struct{}

func New() *XChaCha {
	return &XChaCha{}
}

func (XChaCha) Encrypt(key, plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	return aead.Seal(nil, nonce, plaintext, aad), nonce, nil
}

func (XChaCha) Decrypt(key, ciphertext, nonce, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce size %d", common.ErrDecryptionFailed, len(nonce))
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (XChaCha) DeriveKey(password, salt []byte) []byte {
	return DeriveMasterKey(password, salt)
}

func (XChaCha) GenerateKey() []byte {
	return common.GenerateRandByteArray(KeySize)
}

func (XChaCha) GenerateKeyPairs() (*KeyPairs, error) {
	encPub, encPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPairs{
		EncPublic:   encPub[:],
		EncPrivate:  encPriv[:],
		SignPublic:  signPub,
		SignPrivate: signPriv,
	}, nil
}

func (XChaCha) Seal(message []byte, recipientPub, senderPriv []byte) (sealed, nonce []byte, err error) {
	pub, err := toKey32(recipientPub)
	if err != nil {
		return nil, nil, err
	}
	priv, err := toKey32(senderPriv)
	if err != nil {
		return nil, nil, err
	}

	var n [24]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, nil, err
	}

	return box.Seal(nil, message, &n, pub, priv), n[:], nil
}

func (XChaCha) Open(sealed, nonce []byte, senderPub, recipientPriv []byte) ([]byte, error) {
	pub, err := toKey32(senderPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}
	priv, err := toKey32(recipientPriv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}
	if len(nonce) != 24 {
		return nil, fmt.Errorf("%w: bad nonce size %d", common.ErrDecryptionFailed, len(nonce))
	}

	var n [24]byte
	copy(n[:], nonce)

	out, ok := box.Open(nil, sealed, &n, pub, priv)
	if !ok {
		return nil, common.ErrDecryptionFailed
	}
	return out, nil
}

func (XChaCha) Sign(privateKey, message []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	return ed25519.Sign(ed25519.PrivateKey(privateKey), message), nil
}

func (XChaCha) Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

func toKey32(b []byte) (*[32]byte, error) {
	if len(b) != 32 {
		return nil, ErrInvalidKey
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}

// MakeVerifier returns the value stored next to the salt to recognise the
// right password without keeping the key itself.
func MakeVerifier(masterKey []byte) []byte {
	hash := sha256.Sum256(masterKey)
	return hash[:]
}

func DeriveMasterKey(password []byte, salt []byte) []byte {
	x := argon2.IDKey(password, salt, 1, 64*1024, 4, 32)
	return x
}

// EncryptJSON serializes v to JSON and encrypts it with c under key.
func EncryptJSON(c Crypto, v any, key, aad []byte) (ciphertext, nonce []byte, err error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	defer common.WipeByteArray(plaintext)

	return c.Encrypt(key, plaintext, aad)
}

// DecryptJSON reverses EncryptJSON into v.
func DecryptJSON(c Crypto, ciphertext, nonce, key, aad []byte, v any) error {
	plaintext, err := c.Decrypt(key, ciphertext, nonce, aad)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(plaintext)

	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}
	return nil
}
