package mls

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"

	"github.com/parres-hq/marmot-go/internal/credential"
)

// CiphersuiteProvider is the external collaborator interface (§6.2):
// everything MarmotGroup needs from an MLS implementation, kept opaque so
// the core never depends on a specific HPKE/AEAD/signature stack.
type CiphersuiteProvider interface {
	CiphersuiteID() uint16

	GenerateHPKEKeypair() (pub, priv []byte, err error)
	Sign(priv ed25519.PrivateKey, message []byte) []byte
	Verify(pub ed25519.PublicKey, message, sig []byte) bool

	// CreateProposal wraps a single proposal as a private MLS message
	// against the current epoch. It does not mutate state.
	CreateProposal(state *ClientState, p Proposal) (MLSMessage, error)

	// CreateCommit applies proposals to state, producing a commit message,
	// the resulting new state, and one Welcome per Add proposal included.
	CreateCommit(state *ClientState, proposals []Proposal) (commit MLSMessage, newState *ClientState, welcomes []Welcome, err error)

	// CreateApplicationMessage wraps plaintext as an application message,
	// returning the private message and a state with its forward-secrecy
	// ratchet advanced (epoch unchanged).
	CreateApplicationMessage(state *ClientState, plaintext []byte) (newState *ClientState, msg MLSMessage, err error)

	// ProcessMessage applies an inbound non-commit or commit message
	// against state per policy, yielding the updated state and (for
	// application messages) the decrypted payload.
	ProcessMessage(state *ClientState, msg MLSMessage, policy Policy, psks PSKIndex) (ProcessResult, error)

	EmptyPskIndex() PSKIndex
	AcceptAllPolicy() Policy

	// JoinFromWelcome bootstraps a ClientState for a newly added member.
	JoinFromWelcome(w Welcome, ownLeafIndex int, signingKey ed25519.PrivateKey) (*ClientState, error)

	// NewGroup creates the founding ClientState for groupID/nostrGroupID.
	NewGroup(groupID []byte, founder credential.Credential, founderKeys credential.Complete, groupData MarmotGroupData, signingKey ed25519.PrivateKey) (*ClientState, error)
}

const (
	exportLabel        = "marmot/exporter"
	epochAdvanceLabel  = "marmot/epoch-advance"
	generationLabel    = "marmot/application-generation"
	proposalRefLabel   = "marmot/proposal-ref"
	defaultCiphersuite = 0x0001 // MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519
)

// ReferenceProvider is the placeholder CiphersuiteProvider described in
// SPEC_FULL §4.I, generalizing the epoch-secret-ratchet + member list
// approach of a simplified Ed25519/HKDF MLS stand-in to Marmot's full
// propose/commit/process surface.
type ReferenceProvider struct{}

// NewReferenceProvider constructs the default provider.
func NewReferenceProvider() *ReferenceProvider { return &ReferenceProvider{} }

func (p *ReferenceProvider) CiphersuiteID() uint16 { return defaultCiphersuite }

func (p *ReferenceProvider) GenerateHPKEKeypair() (pub, priv []byte, err error) {
	priv = make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("generate hpke-like keypair: %w", err)
	}
	h := sha256.Sum256(priv)
	return h[:], priv, nil
}

func (p *ReferenceProvider) Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

func (p *ReferenceProvider) Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(pub, message, sig)
}

func (p *ReferenceProvider) EmptyPskIndex() PSKIndex { return emptyPSKIndex{} }

func (p *ReferenceProvider) AcceptAllPolicy() Policy {
	return Policy{Accept: func(Proposal) bool { return true }}
}

// NewGroup creates the founding state: a single-leaf tree, epoch 0, and a
// freshly random epoch secret.
func (p *ReferenceProvider) NewGroup(groupID []byte, founder credential.Credential, founderKeys credential.Complete, groupData MarmotGroupData, signingKey ed25519.PrivateKey) (*ClientState, error) {
	epochSecret := make([]byte, 32)
	if _, err := rand.Read(epochSecret); err != nil {
		return nil, fmt.Errorf("generate epoch secret: %w", err)
	}
	st := &ClientState{
		GroupID:       append([]byte(nil), groupID...),
		Epoch:         0,
		CiphersuiteID: p.CiphersuiteID(),
		GroupData:     groupData,
		Tree: RatchetTree{{
			Active:        true,
			HPKEPublicKey: founderKeys.Public.LeafNode.HPKEPublicKey,
			SignaturePub:  founderKeys.Public.LeafNode.SignaturePub,
			Credential:    founder,
		}},
		OwnLeafIndex:       0,
		EpochSecret:        epochSecret,
		ExporterSecret:     exportSecret(epochSecret, exportLabel, nil, 32),
		UnappliedProposals: map[string]Proposal{},
		SigningKey:         signingKey,
	}
	return st, nil
}

// JoinFromWelcome builds a ClientState for a newly added member from w.
func (p *ReferenceProvider) JoinFromWelcome(w Welcome, ownLeafIndex int, signingKey ed25519.PrivateKey) (*ClientState, error) {
	return &ClientState{
		GroupID:            append([]byte(nil), w.GroupID...),
		Epoch:              w.Epoch,
		CiphersuiteID:      w.CiphersuiteID,
		GroupData:          w.GroupData,
		Tree:               append(RatchetTree(nil), w.Tree...),
		OwnLeafIndex:        ownLeafIndex,
		ExporterSecret:      append([]byte(nil), w.ExporterSecret...),
		EpochSecret:         append([]byte(nil), w.EpochSecret...),
		UnappliedProposals:  map[string]Proposal{},
		SigningKey:          signingKey,
	}, nil
}

// CreateProposal serializes p and wraps it as a private message at the
// current epoch. State is not mutated (§4.F.1).
func (p *ReferenceProvider) CreateProposal(state *ClientState, prop Proposal) (MLSMessage, error) {
	payload, err := json.Marshal(proposalWire{
		Type:             prop.Type,
		KeyPackage:       prop.KeyPackage,
		RemovedLeafIndex: prop.RemovedLeafIndex,
		NewHPKEPublicKey: prop.NewHPKEPublicKey,
		NewSignaturePub:  prop.NewSignaturePub,
		GroupDataBytes:   prop.GroupDataBytes,
	})
	if err != nil {
		return MLSMessage{}, fmt.Errorf("marshal proposal: %w", err)
	}
	return MLSMessage{
		Version:         1,
		WireFormat:      WireFormatPrivateMessage,
		GroupID:         state.GroupID,
		Epoch:           state.Epoch,
		ContentType:     ContentProposal,
		SenderLeafIndex: state.OwnLeafIndex,
		Payload:         payload,
	}, nil
}

type proposalWire struct {
	Type             ProposalType
	KeyPackage       *credential.PublicKeyPackage `json:",omitempty"`
	RemovedLeafIndex int                          `json:",omitempty"`
	NewHPKEPublicKey []byte                       `json:",omitempty"`
	NewSignaturePub  ed25519.PublicKey            `json:",omitempty"`
	GroupDataBytes   []byte                       `json:",omitempty"`
}

type commitWire struct {
	Proposals []proposalWire
}

// CreateCommit applies proposals against a clone of state, advances the
// epoch, and returns a commit message plus one Welcome per Add proposal,
// each carrying that new member's leaf index.
func (p *ReferenceProvider) CreateCommit(state *ClientState, proposals []Proposal) (MLSMessage, *ClientState, []Welcome, error) {
	newState := cloneState(state)

	type addedMember struct {
		leaf int
		kp   *credential.PublicKeyPackage
	}
	var added []addedMember
	wire := commitWire{Proposals: make([]proposalWire, 0, len(proposals))}

	for _, prop := range proposals {
		wire.Proposals = append(wire.Proposals, proposalWire{
			Type:             prop.Type,
			KeyPackage:       prop.KeyPackage,
			RemovedLeafIndex: prop.RemovedLeafIndex,
			NewHPKEPublicKey: prop.NewHPKEPublicKey,
			NewSignaturePub:  prop.NewSignaturePub,
			GroupDataBytes:   prop.GroupDataBytes,
		})
		if err := applyProposal(newState, prop); err != nil {
			return MLSMessage{}, nil, nil, err
		}
		if prop.Type == ProposalAdd {
			added = append(added, addedMember{leaf: len(newState.Tree) - 1, kp: prop.KeyPackage})
		}
	}

	advanceEpoch(newState)
	newState.UnappliedProposals = map[string]Proposal{}

	payload, err := json.Marshal(wire)
	if err != nil {
		return MLSMessage{}, nil, nil, fmt.Errorf("marshal commit: %w", err)
	}
	commit := MLSMessage{
		Version:         1,
		WireFormat:      WireFormatPrivateMessage,
		GroupID:         state.GroupID,
		Epoch:           state.Epoch,
		ContentType:     ContentCommit,
		SenderLeafIndex: state.OwnLeafIndex,
		Payload:         payload,
	}

	welcomes := make([]Welcome, 0, len(added))
	for _, a := range added {
		if a.kp == nil {
			continue
		}
		welcomes = append(welcomes, Welcome{
			GroupID:            newState.GroupID,
			Epoch:              newState.Epoch,
			CiphersuiteID:      newState.CiphersuiteID,
			GroupData:          newState.GroupData,
			Tree:               newState.Tree,
			ExporterSecret:     newState.ExporterSecret,
			EpochSecret:        newState.EpochSecret,
			NewMemberLeafIndex: a.leaf,
			Recipient:          a.kp.LeafNode.Credential,
		})
	}
	return commit, newState, welcomes, nil
}

func applyProposal(state *ClientState, prop Proposal) error {
	switch prop.Type {
	case ProposalAdd:
		if prop.KeyPackage == nil {
			return fmt.Errorf("add proposal missing key package")
		}
		state.Tree = append(state.Tree, LeafEntry{
			Active:        true,
			HPKEPublicKey: prop.KeyPackage.LeafNode.HPKEPublicKey,
			SignaturePub:  prop.KeyPackage.LeafNode.SignaturePub,
			Credential:    prop.KeyPackage.LeafNode.Credential,
		})
	case ProposalRemove:
		if prop.RemovedLeafIndex < 0 || prop.RemovedLeafIndex >= len(state.Tree) {
			return fmt.Errorf("remove proposal leaf index %d out of range", prop.RemovedLeafIndex)
		}
		state.Tree[prop.RemovedLeafIndex] = LeafEntry{}
	case ProposalUpdate:
		if state.OwnLeafIndex >= len(state.Tree) {
			return fmt.Errorf("update proposal: own leaf index out of range")
		}
		leaf := &state.Tree[state.OwnLeafIndex]
		if prop.NewHPKEPublicKey != nil {
			leaf.HPKEPublicKey = prop.NewHPKEPublicKey
		}
		if prop.NewSignaturePub != nil {
			leaf.SignaturePub = prop.NewSignaturePub
		}
	case ProposalGroupContextExtensions:
		var gd MarmotGroupData
		if err := json.Unmarshal(prop.GroupDataBytes, &gd); err != nil {
			return fmt.Errorf("group context extensions proposal: %w", err)
		}
		state.GroupData = gd
	default:
		return fmt.Errorf("unknown proposal type %d", prop.Type)
	}
	return nil
}

// CreateApplicationMessage wraps plaintext, advancing the per-message
// generation ratchet (forward secrecy within an epoch) without changing
// the epoch itself.
func (p *ReferenceProvider) CreateApplicationMessage(state *ClientState, plaintext []byte) (*ClientState, MLSMessage, error) {
	newState := cloneState(state)
	newState.Generation++

	msg := MLSMessage{
		Version:         1,
		WireFormat:      WireFormatPrivateMessage,
		GroupID:         state.GroupID,
		Epoch:           state.Epoch,
		ContentType:     ContentApplication,
		SenderLeafIndex: state.OwnLeafIndex,
		Payload:         append([]byte(nil), plaintext...),
	}
	return newState, msg, nil
}

// ProcessMessage implements the non-commit/commit distinction described in
// §4.F.2: proposals are recorded in UnappliedProposals, application
// messages are surfaced as decrypted payloads, and commits apply their
// embedded proposal list and advance the epoch.
func (p *ReferenceProvider) ProcessMessage(state *ClientState, msg MLSMessage, policy Policy, psks PSKIndex) (ProcessResult, error) {
	switch msg.ContentType {
	case ContentProposal:
		var w proposalWire
		if err := json.Unmarshal(msg.Payload, &w); err != nil {
			return ProcessResult{}, fmt.Errorf("unmarshal proposal: %w", err)
		}
		prop := Proposal{
			Type:             w.Type,
			KeyPackage:       w.KeyPackage,
			RemovedLeafIndex: w.RemovedLeafIndex,
			NewHPKEPublicKey: w.NewHPKEPublicKey,
			NewSignaturePub:  w.NewSignaturePub,
			GroupDataBytes:   w.GroupDataBytes,
		}
		if policy.Accept != nil && !policy.Accept(prop) {
			return ProcessResult{}, fmt.Errorf("proposal rejected by policy")
		}
		newState := cloneState(state)
		ref := proposalRef(msg.Payload)
		newState.UnappliedProposals[ref] = prop
		return ProcessResult{NewState: newState}, nil

	case ContentApplication:
		newState := cloneState(state)
		newState.Generation++
		return ProcessResult{NewState: newState, Application: msg.Payload}, nil

	case ContentCommit:
		var w commitWire
		if err := json.Unmarshal(msg.Payload, &w); err != nil {
			return ProcessResult{}, fmt.Errorf("unmarshal commit: %w", err)
		}
		newState := cloneState(state)
		for _, pw := range w.Proposals {
			prop := Proposal{
				Type:             pw.Type,
				KeyPackage:       pw.KeyPackage,
				RemovedLeafIndex: pw.RemovedLeafIndex,
				NewHPKEPublicKey: pw.NewHPKEPublicKey,
				NewSignaturePub:  pw.NewSignaturePub,
				GroupDataBytes:   pw.GroupDataBytes,
			}
			if err := applyProposal(newState, prop); err != nil {
				return ProcessResult{}, err
			}
		}
		advanceEpoch(newState)
		newState.UnappliedProposals = map[string]Proposal{}
		return ProcessResult{NewState: newState, IsCommit: true}, nil

	default:
		return ProcessResult{}, fmt.Errorf("unknown content type %d", msg.ContentType)
	}
}

// proposalRef is the stable key used for state.UnappliedProposals.
func proposalRef(serializedProposal []byte) string {
	h := sha256.Sum256(append([]byte(proposalRefLabel), serializedProposal...))
	return fmt.Sprintf("%x", h[:16])
}

func cloneState(state *ClientState) *ClientState {
	clone := *state
	clone.GroupID = append([]byte(nil), state.GroupID...)
	clone.Tree = append(RatchetTree(nil), state.Tree...)
	clone.ExporterSecret = append([]byte(nil), state.ExporterSecret...)
	clone.EpochSecret = append([]byte(nil), state.EpochSecret...)
	clone.UnappliedProposals = make(map[string]Proposal, len(state.UnappliedProposals))
	for k, v := range state.UnappliedProposals {
		clone.UnappliedProposals[k] = v
	}
	return &clone
}

// exportSecret derives an application-visible secret from the epoch
// secret, the way MLS's exporter interface does.
func exportSecret(epochSecret, label, context []byte, length int) []byte {
	info := append(append([]byte(nil), label...), context...)
	r := hkdf.New(sha256.New, epochSecret, nil, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("hkdf export: %v", err))
	}
	return out
}

// advanceEpoch derives the next epoch's secret and exporter secret and
// increments the epoch counter, rotating all group keys (§4.F.5).
func advanceEpoch(state *ClientState) {
	epochBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBytes, state.Epoch)
	r := hkdf.New(sha256.New, state.EpochSecret, epochBytes, []byte(epochAdvanceLabel))
	newSecret := make([]byte, 32)
	if _, err := io.ReadFull(r, newSecret); err != nil {
		panic(fmt.Sprintf("hkdf advance: %v", err))
	}
	state.EpochSecret = newSecret
	state.Epoch++
	state.Generation = 0
	state.ExporterSecret = exportSecret(newSecret, exportLabel, nil, 32)
}

// ProspectiveNextExporterSecret derives what advanceEpoch would produce for
// state's exporter secret without mutating state. A commit is encrypted
// under its own resulting epoch's key (§4.E), and since advanceEpoch's
// derivation depends only on the current epoch secret and epoch number —
// never on the proposals a commit carries — any holder of the current
// epoch secret can compute this value before having seen (or applied) the
// commit, and use it as a trial-decryption candidate in ingest (§4.F.2).
func ProspectiveNextExporterSecret(state *ClientState) []byte {
	epochBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBytes, state.Epoch)
	r := hkdf.New(sha256.New, state.EpochSecret, epochBytes, []byte(epochAdvanceLabel))
	newSecret := make([]byte, 32)
	if _, err := io.ReadFull(r, newSecret); err != nil {
		panic(fmt.Sprintf("hkdf advance: %v", err))
	}
	return exportSecret(newSecret, exportLabel, nil, 32)
}

// SortedProposalRefs returns the keys of unapplied proposals in
// deterministic (lexicographic) order, used when a commit drains all
// pending proposals implicitly (§4.F.1).
func SortedProposalRefs(state *ClientState) []string {
	refs := make([]string, 0, len(state.UnappliedProposals))
	for k := range state.UnappliedProposals {
		refs = append(refs, k)
	}
	sort.Strings(refs)
	return refs
}
