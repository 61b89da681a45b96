package mls

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/parres-hq/marmot-go/internal/credential"
)

// maxSafeInteger is the largest integer a float64/JS number represents
// exactly; §4.F.4 requires integers beyond it to use the "bigint:" string
// encoding instead of a bare JSON number, since the wire format here is
// shared with implementations in languages that parse doubles.
const maxSafeInteger = 1<<53 - 1

// Serialize encodes state as the §4.F.4 JSON wire format: byte strings as
// "hex:"-prefixed lowercase hex, large integers as "bigint:"-prefixed
// decimal strings, blank ratchet-tree slots as null. SigningKey (and any
// other environmental configuration) is never included — it is re-injected
// by Deserialize.
func Serialize(state *ClientState) ([]byte, error) {
	wire := stateWire{
		GroupID:       hexString(state.GroupID),
		Epoch:         wireUintOf(state.Epoch),
		CiphersuiteID: state.CiphersuiteID,
		GroupData:     encodeGroupData(state.GroupData),
		Tree:          encodeTree(state.Tree),
		OwnLeafIndex:  state.OwnLeafIndex,
		ExporterSecret: hexString(state.ExporterSecret),
		EpochSecret:    hexString(state.EpochSecret),
		Generation:     wireUintOf(state.Generation),
		UnappliedProposals: encodeProposalMap(state.UnappliedProposals),
	}
	return json.Marshal(wire)
}

// Deserialize restores a ClientState from Serialize's wire format,
// re-injecting the ciphersuite-derived configuration (here, just the
// signing key — the reference provider carries no other environmental
// hooks) that §4.F.4 excludes from the serialized form.
func Deserialize(data []byte, signingKey ed25519.PrivateKey) (*ClientState, error) {
	var wire stateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal client state: %w", err)
	}
	groupID, err := decodeHexString(wire.GroupID)
	if err != nil {
		return nil, fmt.Errorf("decode group id: %w", err)
	}
	exporterSecret, err := decodeHexString(wire.ExporterSecret)
	if err != nil {
		return nil, fmt.Errorf("decode exporter secret: %w", err)
	}
	epochSecret, err := decodeHexString(wire.EpochSecret)
	if err != nil {
		return nil, fmt.Errorf("decode epoch secret: %w", err)
	}
	epoch, err := wire.Epoch.uint64()
	if err != nil {
		return nil, fmt.Errorf("decode epoch: %w", err)
	}
	generation, err := wire.Generation.uint64()
	if err != nil {
		return nil, fmt.Errorf("decode generation: %w", err)
	}
	groupData, err := decodeGroupData(wire.GroupData)
	if err != nil {
		return nil, fmt.Errorf("decode group data: %w", err)
	}
	tree, err := decodeTree(wire.Tree)
	if err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	proposals, err := decodeProposalMap(wire.UnappliedProposals)
	if err != nil {
		return nil, fmt.Errorf("decode unapplied proposals: %w", err)
	}

	return &ClientState{
		GroupID:            groupID,
		Epoch:              epoch,
		CiphersuiteID:      wire.CiphersuiteID,
		GroupData:          groupData,
		Tree:               tree,
		OwnLeafIndex:       wire.OwnLeafIndex,
		ExporterSecret:     exporterSecret,
		EpochSecret:        epochSecret,
		Generation:         generation,
		UnappliedProposals: proposals,
		SigningKey:         signingKey,
	}, nil
}

type stateWire struct {
	GroupID            string                  `json:"groupId"`
	Epoch              wireUint                `json:"epoch"`
	CiphersuiteID      uint16                  `json:"ciphersuiteId"`
	GroupData          groupDataWire           `json:"groupData"`
	Tree               []*leafWire             `json:"tree"`
	OwnLeafIndex       int                     `json:"ownLeafIndex"`
	ExporterSecret     string                  `json:"exporterSecret"`
	EpochSecret        string                  `json:"epochSecret"`
	Generation         wireUint                `json:"generation"`
	UnappliedProposals map[string]proposalWire `json:"unappliedProposals"`
}

type leafWire struct {
	Active        bool   `json:"active"`
	HPKEPublicKey string `json:"hpkePublicKey"`
	SignaturePub  string `json:"signaturePub"`
	CredType      uint16 `json:"credType"`
	CredIdentity  string `json:"credIdentity"`
}

type groupDataWire struct {
	Version      uint16   `json:"version"`
	NostrGroupID string   `json:"nostrGroupId"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	AdminPubkeys []string `json:"adminPubkeys"`
	Relays       []string `json:"relays"`
	ImageHash    string   `json:"imageHash"`
	ImageKey     string   `json:"imageKey"`
	ImageNonce   string   `json:"imageNonce"`
}

// wireUint is a JSON number below maxSafeInteger, or a "bigint:"-prefixed
// decimal string above it (§4.F.4).
type wireUint struct {
	raw json.RawMessage
}

func wireUintOf(v uint64) wireUint {
	if v <= maxSafeInteger {
		return wireUint{raw: json.RawMessage(strconv.FormatUint(v, 10))}
	}
	return wireUint{raw: json.RawMessage(strconv.Quote("bigint:" + strconv.FormatUint(v, 10)))}
}

func (w wireUint) uint64() (uint64, error) {
	var asNumber uint64
	if err := json.Unmarshal(w.raw, &asNumber); err == nil {
		return asNumber, nil
	}
	var asString string
	if err := json.Unmarshal(w.raw, &asString); err != nil {
		return 0, fmt.Errorf("invalid wire integer %s", w.raw)
	}
	const prefix = "bigint:"
	if len(asString) <= len(prefix) || asString[:len(prefix)] != prefix {
		return 0, fmt.Errorf("invalid bigint encoding %q", asString)
	}
	return strconv.ParseUint(asString[len(prefix):], 10, 64)
}

func (w wireUint) MarshalJSON() ([]byte, error) { return w.raw, nil }

func (w *wireUint) UnmarshalJSON(data []byte) error {
	w.raw = append(json.RawMessage(nil), data...)
	return nil
}

func hexString(b []byte) string {
	if b == nil {
		return ""
	}
	return "hex:" + hex.EncodeToString(b)
}

func decodeHexString(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	const prefix = "hex:"
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return nil, fmt.Errorf("missing hex: prefix in %q", s)
	}
	b, err := hex.DecodeString(s[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("decodeHex(%q): %w", s, err)
	}
	return b, nil
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := decodeHexString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func decodeHex12(s string) ([12]byte, error) {
	var out [12]byte
	b, err := decodeHexString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 12 {
		return out, fmt.Errorf("expected 12 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func encodeGroupData(d MarmotGroupData) groupDataWire {
	admins := make([]string, len(d.AdminPubkeys))
	for i, a := range d.AdminPubkeys {
		admins[i] = hexString(a[:])
	}
	return groupDataWire{
		Version:      d.Version,
		NostrGroupID: hexString(d.NostrGroupID[:]),
		Name:         d.Name,
		Description:  d.Description,
		AdminPubkeys: admins,
		Relays:       append([]string(nil), d.Relays...),
		ImageHash:    hexString(d.ImageHash[:]),
		ImageKey:     hexString(d.ImageKey[:]),
		ImageNonce:   hexString(d.ImageNonce[:]),
	}
}

func decodeGroupData(w groupDataWire) (MarmotGroupData, error) {
	var d MarmotGroupData
	nostrGroupID, err := decodeHex32(w.NostrGroupID)
	if err != nil {
		return d, fmt.Errorf("nostrGroupId: %w", err)
	}
	imageHash, err := decodeHex32(w.ImageHash)
	if err != nil {
		return d, fmt.Errorf("imageHash: %w", err)
	}
	imageKey, err := decodeHex32(w.ImageKey)
	if err != nil {
		return d, fmt.Errorf("imageKey: %w", err)
	}
	imageNonce, err := decodeHex12(w.ImageNonce)
	if err != nil {
		return d, fmt.Errorf("imageNonce: %w", err)
	}
	admins := make([][32]byte, len(w.AdminPubkeys))
	for i, a := range w.AdminPubkeys {
		admins[i], err = decodeHex32(a)
		if err != nil {
			return d, fmt.Errorf("adminPubkeys[%d]: %w", i, err)
		}
	}
	d = MarmotGroupData{
		Version:      w.Version,
		NostrGroupID: nostrGroupID,
		Name:         w.Name,
		Description:  w.Description,
		AdminPubkeys: admins,
		Relays:       append([]string(nil), w.Relays...),
		ImageHash:    imageHash,
		ImageKey:     imageKey,
		ImageNonce:   imageNonce,
	}
	return d, nil
}

func encodeTree(tree RatchetTree) []*leafWire {
	out := make([]*leafWire, len(tree))
	for i, leaf := range tree {
		if !leaf.Active {
			out[i] = nil
			continue
		}
		out[i] = &leafWire{
			Active:        true,
			HPKEPublicKey: hexString(leaf.HPKEPublicKey),
			SignaturePub:  hexString(leaf.SignaturePub),
			CredType:      uint16(leaf.Credential.Type),
			CredIdentity:  hexString(leaf.Credential.Identity),
		}
	}
	return out
}

func decodeTree(wire []*leafWire) (RatchetTree, error) {
	tree := make(RatchetTree, len(wire))
	for i, w := range wire {
		if w == nil {
			tree[i] = LeafEntry{}
			continue
		}
		hpke, err := decodeHexString(w.HPKEPublicKey)
		if err != nil {
			return nil, fmt.Errorf("tree[%d].hpkePublicKey: %w", i, err)
		}
		sig, err := decodeHexString(w.SignaturePub)
		if err != nil {
			return nil, fmt.Errorf("tree[%d].signaturePub: %w", i, err)
		}
		identity, err := decodeHexString(w.CredIdentity)
		if err != nil {
			return nil, fmt.Errorf("tree[%d].credIdentity: %w", i, err)
		}
		tree[i] = LeafEntry{
			Active:        true,
			HPKEPublicKey: hpke,
			SignaturePub:  sig,
			Credential: credential.Credential{
				Type:     credential.CredentialType(w.CredType),
				Identity: identity,
			},
		}
	}
	return tree, nil
}

func encodeProposalMap(m map[string]Proposal) map[string]proposalWire {
	out := make(map[string]proposalWire, len(m))
	for k, v := range m {
		out[k] = proposalWire{
			Type:             v.Type,
			KeyPackage:       v.KeyPackage,
			RemovedLeafIndex: v.RemovedLeafIndex,
			NewHPKEPublicKey: v.NewHPKEPublicKey,
			NewSignaturePub:  v.NewSignaturePub,
			GroupDataBytes:   v.GroupDataBytes,
		}
	}
	return out
}

func decodeProposalMap(m map[string]proposalWire) (map[string]Proposal, error) {
	out := make(map[string]Proposal, len(m))
	for k, v := range m {
		out[k] = Proposal{
			Type:             v.Type,
			KeyPackage:       v.KeyPackage,
			RemovedLeafIndex: v.RemovedLeafIndex,
			NewHPKEPublicKey: v.NewHPKEPublicKey,
			NewSignaturePub:  v.NewSignaturePub,
			GroupDataBytes:   v.GroupDataBytes,
		}
	}
	return out, nil
}
