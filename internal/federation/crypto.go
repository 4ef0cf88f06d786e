// Package federation implements the signed-message layer peers speak to each
// other: crypto providers, signed envelopes, the handshake, and the sync
// payload codec. Everything on the wire is JSON; everything signed is
// canonicalized first so signatures verify across implementations.
package federation

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// ============================================================================
// DUAL CRYPTO PROVIDER: Ed25519 / ECDSA P-256
// ============================================================================

// CryptoAlgorithm identifies the signing algorithm used by a CryptoProvider.
type CryptoAlgorithm string

const (
	// AlgorithmEd25519 uses Ed25519 (RFC 8032). Deterministic, fast, 64-byte
	// fixed signatures. The default.
	AlgorithmEd25519 CryptoAlgorithm = "ed25519"

	// AlgorithmECDSA uses ECDSA with the NIST P-256 curve, for deployments
	// that require a FIPS-approved algorithm.
	AlgorithmECDSA CryptoAlgorithm = "ecdsa-p256"
)

// DefaultCryptoAlgorithm is used when configuration names no algorithm.
const DefaultCryptoAlgorithm = AlgorithmEd25519

// CryptoProvider abstracts signing and verification so the envelope and
// handshake layers stay algorithm-agnostic.
type CryptoProvider interface {
	// Algorithm returns the algorithm this provider implements.
	Algorithm() CryptoAlgorithm

	// PublicKeyBytes returns the public key in its wire form: raw 32 bytes
	// for Ed25519, PKIX DER for ECDSA.
	PublicKeyBytes() []byte

	// PublicKeyPEM returns the PEM-encoded public key published in the
	// handshake and the discovery document.
	PublicKeyPEM() (string, error)

	// Sign signs data with the instance's private key.
	Sign(data []byte) ([]byte, error)

	// Verify checks a signature over data. publicKey must be in the same
	// wire form PublicKeyBytes produces.
	Verify(publicKey, data, signature []byte) (bool, error)
}

// NewCryptoProvider creates a provider with a freshly generated key pair.
func NewCryptoProvider(algorithm CryptoAlgorithm) (CryptoProvider, error) {
	switch algorithm {
	case AlgorithmEd25519, "":
		return newEd25519Provider()
	case AlgorithmECDSA:
		return newECDSAProvider()
	default:
		return nil, fmt.Errorf("unsupported crypto algorithm: %s (supported: %s, %s)",
			algorithm, AlgorithmEd25519, AlgorithmECDSA)
	}
}

// LoadOrCreateProvider loads the instance signing key from path, generating
// and persisting a fresh one when the file does not exist yet. An empty path
// yields an ephemeral key, which is fine for tests but means peers must
// re-verify this instance after every restart.
func LoadOrCreateProvider(algorithm CryptoAlgorithm, path string) (CryptoProvider, error) {
	if path == "" {
		slog.Warn("No private key path configured; using an ephemeral signing key")
		return NewCryptoProvider(algorithm)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		provider, err := ParsePrivateKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", path, err)
		}
		if algorithm != "" && provider.Algorithm() != algorithm {
			return nil, fmt.Errorf("private key %s is %s, configuration wants %s",
				path, provider.Algorithm(), algorithm)
		}
		return provider, nil

	case os.IsNotExist(err):
		provider, err := NewCryptoProvider(algorithm)
		if err != nil {
			return nil, err
		}
		pemData, err := MarshalPrivateKeyPEM(provider)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, pemData, 0o600); err != nil {
			return nil, fmt.Errorf("write private key %s: %w", path, err)
		}
		slog.Info("Generated new instance signing key", "path", path, "algorithm", provider.Algorithm())
		return provider, nil

	default:
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
}

// ============================================================================
// Ed25519 PROVIDER
// ============================================================================

// Ed25519Provider implements CryptoProvider using Ed25519 (RFC 8032).
type Ed25519Provider struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

func newEd25519Provider() (*Ed25519Provider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ed25519 key generation failed: %w", err)
	}
	return &Ed25519Provider{privateKey: priv, publicKey: pub}, nil
}

// NewEd25519ProviderFromKey wraps an existing Ed25519 key pair.
func NewEd25519ProviderFromKey(priv ed25519.PrivateKey) *Ed25519Provider {
	return &Ed25519Provider{
		privateKey: priv,
		publicKey:  priv.Public().(ed25519.PublicKey),
	}
}

func (p *Ed25519Provider) Algorithm() CryptoAlgorithm {
	return AlgorithmEd25519
}

func (p *Ed25519Provider) PublicKeyBytes() []byte {
	return []byte(p.publicKey)
}

func (p *Ed25519Provider) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(p.privateKey, data), nil
}

func (p *Ed25519Provider) Verify(publicKey, data, signature []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid Ed25519 public key size: got %d, want %d",
			len(publicKey), ed25519.PublicKeySize)
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature), nil
}

func (p *Ed25519Provider) PublicKeyPEM() (string, error) {
	return encodePublicKeyPEM(p.publicKey)
}

// ============================================================================
// ECDSA P-256 PROVIDER
// ============================================================================

// ECDSAProvider implements CryptoProvider using ECDSA over NIST P-256.
type ECDSAProvider struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
}

func newECDSAProvider() (*ECDSAProvider, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ecdsa key generation failed: %w", err)
	}
	return &ECDSAProvider{privateKey: priv, publicKey: &priv.PublicKey}, nil
}

// NewECDSAProviderFromKey wraps an existing ECDSA key pair.
func NewECDSAProviderFromKey(priv *ecdsa.PrivateKey) *ECDSAProvider {
	return &ECDSAProvider{privateKey: priv, publicKey: &priv.PublicKey}
}

func (p *ECDSAProvider) Algorithm() CryptoAlgorithm {
	return AlgorithmECDSA
}

func (p *ECDSAProvider) PublicKeyBytes() []byte {
	der, err := x509.MarshalPKIXPublicKey(p.publicKey)
	if err != nil {
		return nil
	}
	return der
}

func (p *ECDSAProvider) Sign(data []byte) ([]byte, error) {
	hash := sha256.Sum256(data)
	return ecdsa.SignASN1(rand.Reader, p.privateKey, hash[:])
}

func (p *ECDSAProvider) Verify(publicKeyDER, data, signature []byte) (bool, error) {
	pub, err := x509.ParsePKIXPublicKey(publicKeyDER)
	if err != nil {
		return false, fmt.Errorf("failed to parse ECDSA public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return false, errors.New("public key is not ECDSA")
	}
	hash := sha256.Sum256(data)
	return ecdsa.VerifyASN1(ecPub, hash[:], signature), nil
}

func (p *ECDSAProvider) PublicKeyPEM() (string, error) {
	return encodePublicKeyPEM(p.publicKey)
}

// ============================================================================
// KEY ENCODING AND IDENTITY
// ============================================================================

// VerifySignature checks a signature without knowing the algorithm up front:
// a 32-byte key is Ed25519, anything else is treated as ECDSA PKIX DER.
func VerifySignature(publicKey, data, signature []byte) (bool, error) {
	if len(publicKey) == ed25519.PublicKeySize {
		return (&Ed25519Provider{}).Verify(publicKey, data, signature)
	}
	return (&ECDSAProvider{}).Verify(publicKey, data, signature)
}

// Fingerprint is the stable identity of a public key: sha256 over its wire
// form, hex encoded. Used as the nonce-store sender id and in key-change
// audit logs.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// FingerprintPEM is Fingerprint for a PEM-encoded public key.
func FingerprintPEM(pemStr string) (string, error) {
	raw, _, err := ParsePublicKeyPEM(pemStr)
	if err != nil {
		return "", err
	}
	return Fingerprint(raw), nil
}

func encodePublicKeyPEM(pub any) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// ParsePublicKeyPEM decodes a PEM public key into its wire form and reports
// the algorithm it belongs to.
func ParsePublicKeyPEM(pemStr string) ([]byte, CryptoAlgorithm, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, "", errors.New("no PEM block found in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, "", fmt.Errorf("parse public key: %w", err)
	}
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return []byte(k), AlgorithmEd25519, nil
	case *ecdsa.PublicKey:
		der, err := x509.MarshalPKIXPublicKey(k)
		if err != nil {
			return nil, "", err
		}
		return der, AlgorithmECDSA, nil
	default:
		return nil, "", fmt.Errorf("unsupported public key type %T", pub)
	}
}

// MarshalPrivateKeyPEM serializes a provider's private key as PKCS#8 PEM.
func MarshalPrivateKeyPEM(provider CryptoProvider) ([]byte, error) {
	var key any
	switch p := provider.(type) {
	case *Ed25519Provider:
		key = p.privateKey
	case *ECDSAProvider:
		key = p.privateKey
	default:
		return nil, fmt.Errorf("cannot export private key of %T", provider)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM loads a PKCS#8 PEM private key and wraps it in the
// matching provider.
func ParsePrivateKeyPEM(data []byte) (CryptoProvider, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS#8 private key: %w", err)
	}
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return NewEd25519ProviderFromKey(k), nil
	case *ecdsa.PrivateKey:
		return NewECDSAProviderFromKey(k), nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}
