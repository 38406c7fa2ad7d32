package catalogue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbench/canboot"
)

func TestBeaconRoundTrip(t *testing.T) {
	b := Beacon{Target: canboot.TargetAMS, State: canboot.StateReady, FlashSizeKiB: 128, EntryReason: canboot.EntryReasonRequested}
	f := b.Encode()
	assert.Equal(t, IDBeacon, f.ID)

	decoded, err := DecodeBeacon(f)
	require.NoError(t, err)
	assert.Equal(t, b, decoded)
}

func TestPingResponseWithoutBuildInfo(t *testing.T) {
	p := PingResponse{Target: canboot.TargetSTW, BootloaderPending: true}
	f := p.Encode()

	decoded, err := DecodePingResponse(f)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestPingResponseWithBuildInfo(t *testing.T) {
	p := PingResponse{
		Target:            canboot.TargetPDL,
		BootloaderPending: false,
		HasBuildInfo:      true,
		BLCommitSHA:       0xDEADBEEF,
		BLDirtyRepo:       true,
	}
	f := p.Encode()

	decoded, err := DecodePingResponse(f)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{
		Register: canboot.RegisterTransactionMagic,
		Command:  canboot.CommandNone,
		Target:   canboot.TargetAMS,
		Value:    canboot.TransactionMagic,
	}
	f := h.Encode()
	decoded, err := DecodeHandshake(f)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestDataAddressIsWordShifted(t *testing.T) {
	d := Data{Address: 0x08000400, IsDoubleword: false, Value: 0x12345678}
	f := d.Encode()

	decoded, err := DecodeData(f)
	require.NoError(t, err)
	assert.Equal(t, d, decoded)
}

func TestDataAckRoundTrip(t *testing.T) {
	a := DataAck{Address: 0x08000200, Result: canboot.WriteOk}
	f := a.Encode()

	decoded, err := DecodeDataAck(f)
	require.NoError(t, err)
	assert.Equal(t, a, decoded)
}

func TestExitReqAndAck(t *testing.T) {
	req := ExitReq{Target: canboot.TargetDRTF, Force: true, ToApp: true}
	f := req.Encode()
	decodedReq, err := DecodeExitReq(f)
	require.NoError(t, err)
	assert.Equal(t, req, decodedReq)

	ack := ExitAck{Target: canboot.TargetDRTF, Confirmed: true}
	f2 := ack.Encode()
	decodedAck, err := DecodeExitAck(f2)
	require.NoError(t, err)
	assert.Equal(t, ack, decodedAck)
}

func TestCommunicationYieldRoundTrip(t *testing.T) {
	y := CommunicationYield{Target: canboot.TargetSTW}
	f := y.Encode()
	decoded, err := DecodeCommunicationYield(f)
	require.NoError(t, err)
	assert.Equal(t, y, decoded)
}

func TestSoftwareBuildRoundTrip(t *testing.T) {
	s := SoftwareBuild{Target: canboot.TargetAMS, CommitSHA: 0xCAFEBABE, DirtyRepo: true}
	f := s.Encode()
	decoded, err := DecodeSoftwareBuild(f)
	require.NoError(t, err)
	assert.Equal(t, s, decoded)
}
