package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parres-hq/marmot-go/internal/mls"
)

func TestEncodeDecodeMarmotGroupDataRoundtrip(t *testing.T) {
	d := mls.MarmotGroupData{
		Version:      1,
		Name:         "bridge crew",
		Description:  "operational planning",
		AdminPubkeys: [][32]byte{{1, 2, 3}, {4, 5, 6}},
		Relays:       []string{"wss://relay.one", "wss://relay.two"},
	}
	for i := range d.NostrGroupID {
		d.NostrGroupID[i] = byte(i)
	}
	for i := range d.ImageHash {
		d.ImageHash[i] = byte(i + 1)
	}

	encoded, err := EncodeMarmotGroupData(d)
	require.NoError(t, err)

	decoded, err := DecodeMarmotGroupData(encoded)
	require.NoError(t, err)
	require.Equal(t, d, decoded)
}

func TestEncodeMarmotGroupDataEmpty(t *testing.T) {
	var d mls.MarmotGroupData
	encoded, err := EncodeMarmotGroupData(d)
	require.NoError(t, err)

	decoded, err := DecodeMarmotGroupData(encoded)
	require.NoError(t, err)
	require.Equal(t, d, decoded)
}

func TestDecodeMarmotGroupDataTruncated(t *testing.T) {
	d := mls.MarmotGroupData{Version: 1, Name: "x"}
	encoded, err := EncodeMarmotGroupData(d)
	require.NoError(t, err)

	_, err = DecodeMarmotGroupData(encoded[:len(encoded)-5])
	require.Error(t, err)
}

func TestDecodeMarmotGroupDataRejectsTrailingBytes(t *testing.T) {
	d := mls.MarmotGroupData{Version: 1}
	encoded, err := EncodeMarmotGroupData(d)
	require.NoError(t, err)

	_, err = DecodeMarmotGroupData(append(encoded, 0xFF))
	require.Error(t, err)
}
