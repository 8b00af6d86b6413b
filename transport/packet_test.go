package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketSerializeParse(t *testing.T) {
	packet := &Packet{
		PacketType: PacketAudioFrame,
		Data:       []byte{1, 2, 3, 4},
	}

	data, err := packet.Serialize()
	require.NoError(t, err)
	assert.Equal(t, byte(PacketAudioFrame), data[0])

	parsed, err := ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, packet.PacketType, parsed.PacketType)
	assert.Equal(t, packet.Data, parsed.Data)
}

func TestPacketSerializeNilData(t *testing.T) {
	packet := &Packet{PacketType: PacketPing}
	_, err := packet.Serialize()
	assert.Error(t, err)
}

func TestParsePacketTooShort(t *testing.T) {
	_, err := ParsePacket(nil)
	assert.Error(t, err)

	_, err = ParsePacket([]byte{})
	assert.Error(t, err)
}

func TestParsePacketEmptyData(t *testing.T) {
	parsed, err := ParsePacket([]byte{byte(PacketLeave)})
	require.NoError(t, err)
	assert.Equal(t, PacketLeave, parsed.PacketType)
	assert.Empty(t, parsed.Data)
}
