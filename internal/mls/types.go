// Package mls implements the group-state surface the Marmot core needs
// from an MLS (RFC 9420) implementation: client state, proposals, commits,
// welcomes, and the CiphersuiteProvider collaborator interface (§6.2).
//
// ReferenceProvider in this package is a deliberately simplified stand-in
// for a real MLS ciphersuite — it reproduces epoch advancement, member
// add/remove, and exporter-secret derivation using Ed25519 + HKDF rather
// than HPKE and a TreeKEM ratchet tree. It exists so the rest of the core
// (propose/commit/ingest, stores, the facade) has something concrete to
// run against; production deployments are expected to swap it for a real
// RFC 9420 implementation behind the same CiphersuiteProvider interface.
package mls

import (
	"crypto/ed25519"

	"github.com/parres-hq/marmot-go/internal/credential"
)

// WireFormat mirrors the MLSMessage wire_format enum (§3.1).
type WireFormat uint8

const (
	WireFormatPrivateMessage WireFormat = iota
	WireFormatPublicMessage
	WireFormatWelcome
	WireFormatGroupInfo
	WireFormatKeyPackage
)

// ContentType distinguishes what a private/public message carries.
type ContentType uint8

const (
	ContentApplication ContentType = iota
	ContentProposal
	ContentCommit
)

// MLSMessage is the in-band protocol message envelope (§3.1). Payload
// holds the content-type-specific serialized body.
type MLSMessage struct {
	Version         uint16
	WireFormat      WireFormat
	GroupID         []byte
	Epoch           uint64
	ContentType     ContentType
	SenderLeafIndex int
	Payload         []byte
}

// ProposalType enumerates the MLS proposal kinds Marmot needs.
type ProposalType uint8

const (
	ProposalAdd ProposalType = iota
	ProposalRemove
	ProposalUpdate
	ProposalGroupContextExtensions
)

// Proposal is an MLS change request not yet applied (§3.2).
type Proposal struct {
	Type ProposalType

	// Add
	KeyPackage *credential.PublicKeyPackage

	// Remove
	RemovedLeafIndex int

	// Update
	NewHPKEPublicKey []byte
	NewSignaturePub  ed25519.PublicKey

	// GroupContextExtensions
	GroupDataBytes []byte
}

// LeafEntry is one ratchet-tree leaf: a group member's keys and
// credential, or a blank slot (Active=false, Credential zero-valued) left
// behind by a remove.
type LeafEntry struct {
	Active        bool
	HPKEPublicKey []byte
	SignaturePub  ed25519.PublicKey
	Credential    credential.Credential
}

// RatchetTree is the ordered sequence of leaves. Blank slots are retained
// (Active=false) so leaf indices stay stable across removes, the way MLS's
// tree does.
type RatchetTree []LeafEntry

// MemberCount returns the number of active (non-blank) leaves.
func (t RatchetTree) MemberCount() int {
	n := 0
	for _, l := range t {
		if l.Active {
			n++
		}
	}
	return n
}

// ClientState is the authoritative per-group MLS state (§3.1). SigningKey
// is environmental configuration re-injected on load, not serialized as
// part of the state proper (§4.F.4).
type ClientState struct {
	GroupID            []byte
	Epoch              uint64
	CiphersuiteID      uint16
	GroupData          MarmotGroupData
	Tree               RatchetTree
	OwnLeafIndex       int
	ExporterSecret     []byte
	EpochSecret        []byte
	Generation         uint64
	UnappliedProposals map[string]Proposal

	SigningKey ed25519.PrivateKey `json:"-"`
}

// MarmotGroupData is the Marmot-specific MLS group context extension
// (type id 0xF2EE, version 1) described in spec §3.1.
type MarmotGroupData struct {
	Version      uint16
	NostrGroupID [32]byte
	Name         string
	Description  string
	AdminPubkeys [][32]byte
	Relays       []string
	ImageHash    [32]byte
	ImageKey     [32]byte
	ImageNonce   [12]byte
}

// IsAdmin reports whether pubkey (32 raw bytes) is in AdminPubkeys.
func (d MarmotGroupData) IsAdmin(pubkey [32]byte) bool {
	for _, a := range d.AdminPubkeys {
		if a == pubkey {
			return true
		}
	}
	return false
}

// Welcome carries enough secret state to bootstrap a new member (§3.1).
type Welcome struct {
	GroupID            []byte
	Epoch              uint64
	CiphersuiteID      uint16
	GroupData          MarmotGroupData
	Tree               RatchetTree
	ExporterSecret     []byte
	EpochSecret        []byte
	NewMemberLeafIndex int
	Recipient          credential.Credential
}

// ProcessResult is what ProcessMessage yields for one input message.
type ProcessResult struct {
	NewState    *ClientState
	Application []byte // non-nil only for application messages
	IsCommit    bool
}

// PSKIndex abstracts external PSK lookup; Marmot never uses PSKs, so
// EmptyPskIndex is the only implementation needed.
type PSKIndex interface {
	Lookup(id []byte) ([]byte, bool)
}

type emptyPSKIndex struct{}

func (emptyPSKIndex) Lookup([]byte) ([]byte, bool) { return nil, false }

// Policy decides whether to accept an inbound proposal. ProcessMessage
// does not consult it for commits.
type Policy struct {
	Accept func(Proposal) bool
}
