// Package credential builds MLS basic credentials from Nostr public keys
// and generates Marmot-flavored key packages (spec §4.B).
package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/parres-hq/marmot-go/internal/errs"
)

// MarmotExtensionID is the Marmot Group Data extension type id (§3.1),
// advertised as a supported extension in every key package this package
// builds.
const MarmotExtensionID = 0xF2EE

// CredentialType enumerates MLS credential types; Marmot only ever uses
// the basic form.
type CredentialType uint16

// Basic is the only credential type Marmot issues.
const Basic CredentialType = 1

// Credential is an MLS basic credential whose identity is a Nostr public
// key. Identity is always raw 32 bytes once created by this package; see
// Pubkey for the legacy utf8-hex compatibility case.
type Credential struct {
	Type     CredentialType
	Identity []byte
}

// Create validates pubkeyHex (exactly 64 lowercase-or-mixed-case hex
// characters) and returns a Credential whose Identity is the raw 32-byte
// decoding.
func Create(pubkeyHex string) (Credential, error) {
	if len(pubkeyHex) != 64 {
		return Credential{}, errs.Wrap(errs.ErrInvalidPubkey,
			fmt.Sprintf("pubkey must be 64 hex chars, got %d", len(pubkeyHex)), nil)
	}
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return Credential{}, errs.Wrap(errs.ErrInvalidPubkey, "pubkey is not valid hex", err)
	}
	if len(raw) != 32 {
		return Credential{}, errs.Wrap(errs.ErrInvalidPubkey,
			fmt.Sprintf("decoded pubkey must be 32 bytes, got %d", len(raw)), nil)
	}
	return Credential{Type: Basic, Identity: raw}, nil
}

// Pubkey returns the hex-encoded Nostr public key carried by cred.
//
// Two identity encodings are accepted: the canonical 32 raw bytes this
// package produces, and a legacy form where Identity holds the 64-char hex
// string itself as utf8 bytes. Anything else is rejected. Only the
// canonical form is ever produced by Create — implementations MUST accept
// both on parse but MUST only emit the raw-bytes form on creation (spec §9).
func Pubkey(cred Credential) (string, error) {
	switch len(cred.Identity) {
	case 32:
		return hex.EncodeToString(cred.Identity), nil
	case 64:
		s := string(cred.Identity)
		if _, err := hex.DecodeString(s); err != nil {
			return "", errs.Wrap(errs.ErrInvalidCredential, "legacy identity is not hex", err)
		}
		return s, nil
	default:
		return "", errs.Wrap(errs.ErrInvalidCredential,
			fmt.Sprintf("identity has unexpected length %d", len(cred.Identity)), nil)
	}
}

// Lifetime bounds a key package's validity window (MLS seconds-since-epoch).
type Lifetime struct {
	NotBefore uint64
	NotAfter  uint64
}

// DefaultLifetime spans roughly three months, matching typical MLS client
// defaults.
func DefaultLifetime(now uint64) Lifetime {
	const ninetyDays = 90 * 24 * 60 * 60
	return Lifetime{NotBefore: now, NotAfter: now + ninetyDays}
}

// LeafNode is the subset of an MLS leaf node Marmot key packages carry.
type LeafNode struct {
	HPKEPublicKey []byte
	SignaturePub  ed25519.PublicKey
	Credential    Credential
	Capabilities  Capabilities
	Lifetime      Lifetime
	Extensions    []uint16
}

// Capabilities lists the protocol versions, ciphersuites and extensions a
// member supports. DefaultCapabilities always lists MarmotExtensionID.
type Capabilities struct {
	Versions     []uint16
	Ciphersuites []uint16
	Extensions   []uint16
}

// DefaultCapabilities returns Marmot's default capability set: MLS 1.0, the
// given ciphersuite, and the Marmot Group Data extension.
func DefaultCapabilities(ciphersuiteID uint16) Capabilities {
	return Capabilities{
		Versions:     []uint16{1},
		Ciphersuites: []uint16{ciphersuiteID},
		Extensions:   []uint16{MarmotExtensionID},
	}
}

// PublicKeyPackage is the public half of an MLS key package (§3.1).
type PublicKeyPackage struct {
	ProtocolVersion uint16
	CiphersuiteID   uint16
	InitPublicKey   []byte
	LeafNode        LeafNode
	Extensions      []uint16
	Signature       []byte
}

// PrivateKeyPackage is the secret half partnered with a PublicKeyPackage.
type PrivateKeyPackage struct {
	InitPrivateKey      []byte
	HPKEPrivateKey      []byte
	SignaturePrivateKey ed25519.PrivateKey
}

// Complete bundles the public and private halves. It is owned exclusively
// by its creator and the private half never leaves the local machine.
type Complete struct {
	Public  PublicKeyPackage
	Private PrivateKeyPackage
}

// CiphersuiteSigner is the minimal surface GenerateKeyPackage needs from a
// ciphersuite provider: random HPKE keypair generation and signing.
type CiphersuiteSigner interface {
	CiphersuiteID() uint16
	GenerateHPKEKeypair() (pub, priv []byte, err error)
	Sign(priv ed25519.PrivateKey, message []byte) []byte
}

// GenerateKeyPackage builds a CompleteKeyPackage for cred using Marmot's
// default capabilities and lifetime (§4.B). nowUnix seeds the lifetime
// window.
func GenerateKeyPackage(cred Credential, cs CiphersuiteSigner, nowUnix uint64) (Complete, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Complete{}, fmt.Errorf("generate signature keypair: %w", err)
	}
	hpkePub, hpkePriv, err := cs.GenerateHPKEKeypair()
	if err != nil {
		return Complete{}, fmt.Errorf("generate hpke keypair: %w", err)
	}
	initPub, initPriv, err := cs.GenerateHPKEKeypair()
	if err != nil {
		return Complete{}, fmt.Errorf("generate init keypair: %w", err)
	}

	leaf := LeafNode{
		HPKEPublicKey: hpkePub,
		SignaturePub:  sigPub,
		Credential:    cred,
		Capabilities:  DefaultCapabilities(cs.CiphersuiteID()),
		Lifetime:      DefaultLifetime(nowUnix),
		Extensions:    []uint16{MarmotExtensionID},
	}

	pub := PublicKeyPackage{
		ProtocolVersion: 1,
		CiphersuiteID:   cs.CiphersuiteID(),
		InitPublicKey:   initPub,
		LeafNode:        leaf,
		Extensions:      []uint16{MarmotExtensionID},
	}
	pub.Signature = cs.Sign(sigPriv, signaturePayload(pub))

	return Complete{
		Public: pub,
		Private: PrivateKeyPackage{
			InitPrivateKey:      initPriv,
			HPKEPrivateKey:      hpkePriv,
			SignaturePrivateKey: sigPriv,
		},
	}, nil
}

// signaturePayload is the deterministic byte sequence signed over a public
// key package (everything but the signature field itself).
func signaturePayload(pub PublicKeyPackage) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, byte(pub.ProtocolVersion>>8), byte(pub.ProtocolVersion))
	buf = append(buf, byte(pub.CiphersuiteID>>8), byte(pub.CiphersuiteID))
	buf = append(buf, pub.InitPublicKey...)
	buf = append(buf, pub.LeafNode.HPKEPublicKey...)
	buf = append(buf, pub.LeafNode.SignaturePub...)
	buf = append(buf, pub.LeafNode.Credential.Identity...)
	return buf
}
