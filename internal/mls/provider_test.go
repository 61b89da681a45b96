package mls

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parres-hq/marmot-go/internal/credential"
)

func newFounderCredential(t *testing.T) (credential.Credential, credential.Complete, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	identity := make([]byte, 32)
	copy(identity, pub)
	cred, err := credential.Create(hexEncode(identity))
	require.NoError(t, err)

	p := NewReferenceProvider()
	kp, err := credential.GenerateKeyPackage(cred, refSigner{p}, 1_700_000_000)
	require.NoError(t, err)

	return cred, kp, priv
}

// refSigner adapts ReferenceProvider to credential.CiphersuiteSigner.
type refSigner struct{ p *ReferenceProvider }

func (s refSigner) CiphersuiteID() uint16 { return s.p.CiphersuiteID() }
func (s refSigner) GenerateHPKEKeypair() ([]byte, []byte, error) {
	return s.p.GenerateHPKEKeypair()
}
func (s refSigner) Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return s.p.Sign(priv, msg)
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0x0f]
	}
	return string(out)
}

func TestNewGroupStartsAtEpochZeroWithFounderAsSoleMember(t *testing.T) {
	cred, kp, sigPriv := newFounderCredential(t)
	p := NewReferenceProvider()

	state, err := p.NewGroup([]byte("group-1"), cred, kp, MarmotGroupData{Version: 1}, sigPriv)
	require.NoError(t, err)
	require.EqualValues(t, 0, state.Epoch)
	require.Equal(t, 1, state.Tree.MemberCount())
	require.Equal(t, 0, state.OwnLeafIndex)
	require.Len(t, state.ExporterSecret, 32)
}

func TestCreateCommitWithAddAdvancesEpochAndProducesWelcome(t *testing.T) {
	cred, kp, sigPriv := newFounderCredential(t)
	p := NewReferenceProvider()
	state, err := p.NewGroup([]byte("group-1"), cred, kp, MarmotGroupData{Version: 1}, sigPriv)
	require.NoError(t, err)

	_, joinerKP, _ := newFounderCredential(t)
	commit, newState, welcomes, err := p.CreateCommit(state, []Proposal{{Type: ProposalAdd, KeyPackage: &joinerKP.Public}})
	require.NoError(t, err)
	require.Equal(t, ContentCommit, commit.ContentType)
	require.EqualValues(t, 1, newState.Epoch)
	require.Equal(t, 2, newState.Tree.MemberCount())
	require.Len(t, welcomes, 1)
	require.Equal(t, 1, welcomes[0].NewMemberLeafIndex)
	require.NotEqual(t, state.ExporterSecret, newState.ExporterSecret)
}

func TestCreateCommitWithRemoveBlanksTheLeaf(t *testing.T) {
	cred, kp, sigPriv := newFounderCredential(t)
	p := NewReferenceProvider()
	state, err := p.NewGroup([]byte("group-1"), cred, kp, MarmotGroupData{Version: 1}, sigPriv)
	require.NoError(t, err)

	_, joinerKP, _ := newFounderCredential(t)
	_, state, _, err = p.CreateCommit(state, []Proposal{{Type: ProposalAdd, KeyPackage: &joinerKP.Public}})
	require.NoError(t, err)
	require.Equal(t, 2, state.Tree.MemberCount())

	_, state, welcomes, err := p.CreateCommit(state, []Proposal{{Type: ProposalRemove, RemovedLeafIndex: 1}})
	require.NoError(t, err)
	require.Empty(t, welcomes)
	require.Equal(t, 1, state.Tree.MemberCount())
	require.False(t, state.Tree[1].Active)
}

func TestProcessMessageStoresProposalsUntilCommitted(t *testing.T) {
	cred, kp, sigPriv := newFounderCredential(t)
	p := NewReferenceProvider()
	state, err := p.NewGroup([]byte("group-1"), cred, kp, MarmotGroupData{Version: 1}, sigPriv)
	require.NoError(t, err)

	_, joinerKP, _ := newFounderCredential(t)
	propMsg, err := p.CreateProposal(state, Proposal{Type: ProposalAdd, KeyPackage: &joinerKP.Public})
	require.NoError(t, err)

	result, err := p.ProcessMessage(state, propMsg, p.AcceptAllPolicy(), p.EmptyPskIndex())
	require.NoError(t, err)
	require.False(t, result.IsCommit)
	require.Len(t, result.NewState.UnappliedProposals, 1)
	require.EqualValues(t, 0, result.NewState.Epoch, "a bare proposal never advances the epoch")
}

func TestProcessMessageRejectsProposalWhenPolicyDeclines(t *testing.T) {
	cred, kp, sigPriv := newFounderCredential(t)
	p := NewReferenceProvider()
	state, err := p.NewGroup([]byte("group-1"), cred, kp, MarmotGroupData{Version: 1}, sigPriv)
	require.NoError(t, err)

	_, joinerKP, _ := newFounderCredential(t)
	propMsg, err := p.CreateProposal(state, Proposal{Type: ProposalAdd, KeyPackage: &joinerKP.Public})
	require.NoError(t, err)

	reject := Policy{Accept: func(Proposal) bool { return false }}
	_, err = p.ProcessMessage(state, propMsg, reject, p.EmptyPskIndex())
	require.Error(t, err)
}

func TestCreateApplicationMessageAdvancesGenerationNotEpoch(t *testing.T) {
	cred, kp, sigPriv := newFounderCredential(t)
	p := NewReferenceProvider()
	state, err := p.NewGroup([]byte("group-1"), cred, kp, MarmotGroupData{Version: 1}, sigPriv)
	require.NoError(t, err)

	newState, msg, err := p.CreateApplicationMessage(state, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, ContentApplication, msg.ContentType)
	require.EqualValues(t, 0, newState.Epoch)
	require.EqualValues(t, 1, newState.Generation)
	require.Equal(t, []byte("hello"), msg.Payload)
}

func TestJoinFromWelcomeReproducesGroupState(t *testing.T) {
	founderCred, founderKP, founderSig := newFounderCredential(t)
	p := NewReferenceProvider()
	state, err := p.NewGroup([]byte("group-1"), founderCred, founderKP, MarmotGroupData{Version: 1}, founderSig)
	require.NoError(t, err)

	_, joinerKP, joinerSig := newFounderCredential(t)
	_, _, welcomes, err := p.CreateCommit(state, []Proposal{{Type: ProposalAdd, KeyPackage: &joinerKP.Public}})
	require.NoError(t, err)
	require.Len(t, welcomes, 1)
	welcome := welcomes[0]

	joined, err := p.JoinFromWelcome(welcome, welcome.NewMemberLeafIndex, joinerSig)
	require.NoError(t, err)
	require.Equal(t, welcome.Epoch, joined.Epoch)
	require.Equal(t, welcome.ExporterSecret, joined.ExporterSecret)
	require.Equal(t, 2, joined.Tree.MemberCount())
}

func TestSortedProposalRefsIsDeterministic(t *testing.T) {
	state := &ClientState{UnappliedProposals: map[string]Proposal{
		"b": {Type: ProposalUpdate},
		"a": {Type: ProposalUpdate},
		"c": {Type: ProposalUpdate},
	}}
	require.Equal(t, []string{"a", "b", "c"}, SortedProposalRefs(state))
}
