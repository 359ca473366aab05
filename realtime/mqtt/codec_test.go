package mqtt

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeControlPackets(t *testing.T) {
	for _, typ := range []byte{packets.Pingreq, packets.Pingresp} {
		frame, err := encodePacket(packets.Packet{FixedHeader: packets.FixedHeader{Type: typ}})
		require.NoError(t, err)

		pk, err := decodePacket(bufio.NewReader(bytes.NewReader(frame)))
		require.NoError(t, err)
		require.Equal(t, typ, pk.FixedHeader.Type)
	}
}

func TestDecodeSuback(t *testing.T) {
	// suback, remaining 3, packet id 7, granted qos 1
	pk, err := decodePacket(bufio.NewReader(bytes.NewReader([]byte{0x90, 0x03, 0x00, 0x07, 0x01})))
	require.NoError(t, err)
	require.Equal(t, packets.Suback, pk.FixedHeader.Type)
	require.Equal(t, uint16(7), pk.PacketID)
	require.Equal(t, []byte{1}, pk.ReasonCodes)
}

func TestEncodeRejectsInboundOnlyTypes(t *testing.T) {
	_, err := encodePacket(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Connack}})
	require.Error(t, err)
}

func TestDialBrokerEndpoints(t *testing.T) {
	ctx := context.Background()

	_, err := dialBroker(ctx, "  ", time.Second, nil)
	if !errors.Is(err, ErrEndpointRequired) {
		t.Fatalf("dialBroker: got=%v want=%v", err, ErrEndpointRequired)
	}

	_, err = dialBroker(ctx, "gopher://127.0.0.1:1883", time.Second, nil)
	require.ErrorContains(t, err, "unsupported endpoint scheme")
}
