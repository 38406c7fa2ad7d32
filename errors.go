package canboot

import (
	"errors"
	"fmt"
)

// ErrIllegalArgument is returned by BusManager.Subscribe and similar
// constructors when a caller passes an id outside the representable range.
var ErrIllegalArgument = errors.New("canboot: illegal argument")

// Sentinel errors for the taxonomy in §7. Packages wrap these with
// fmt.Errorf("...: %w", ...) to attach context; callers use errors.Is to
// classify.
var (
	// ErrTransport covers adapter-level failures: disconnect, write failure,
	// malformed frame from the adapter itself.
	ErrTransport = errors.New("canboot: transport error")

	// ErrCodec covers Message Codec pack/unpack failures: a value that does
	// not fit the field's bit width, or a decode of a frame shorter than the
	// message's declared DLC.
	ErrCodec = errors.New("canboot: codec error")

	// ErrHex covers Intel-HEX parsing failures: bad checksum, unknown record
	// type, a record length that does not match its type or its data, a
	// missing or duplicate EOF, and a file with no data or no entry point.
	ErrHex = errors.New("canboot: hex file error")

	// ErrCoverageGap is returned when identify_influenced_physical_blocks
	// finds a logical byte that no physical block covers (§4.2).
	ErrCoverageGap = errors.New("canboot: logical block not covered by any physical block")

	// ErrProtocolTimeout is returned when a protocol sub-state exhausts its
	// retry budget (5 attempts, §4.4) without a valid reply.
	ErrProtocolTimeout = errors.New("canboot: protocol timeout")

	// ErrPeerRefused is returned when a target NACKs a handshake it is
	// entitled to refuse (wrong state, wrong sequence).
	ErrPeerRefused = errors.New("canboot: peer refused handshake")

	// ErrTransactionAborted is returned when the peer itself emits
	// AbortTransaction, or reports a failed write in its DataAck.
	ErrTransactionAborted = errors.New("canboot: transaction aborted")

	// ErrBusyPeer is returned by RequestEntry when the target is
	// already mid-transaction with a different master and --force was not
	// given.
	ErrBusyPeer = errors.New("canboot: peer busy with another transaction")
)

// ExitCode classifies a ProtocolError for the CLI's process exit status
// (§6, §7): 1 for user/operational errors — missing args, no config found,
// a refused entry/exit, a peer that aborted or is busy without --force — and
// 3 specifically for a handshake retry budget exhausted (ProtocolTimeout).
type ExitCode int

const (
	ExitCodeFailure         ExitCode = 1
	ExitCodeProtocolTimeout ExitCode = 3
)

// ProtocolError wraps an underlying error with an exit-code classification,
// mirroring how the teacher's SDO client carries a numeric abort code
// alongside a Go error up through the call stack instead of relying on
// string matching at the top.
type ProtocolError struct {
	Err  error
	Code ExitCode
}

func (e *ProtocolError) Error() string {
	return e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError classifies err into a ProtocolError using the sentinel
// taxonomy of §7. Only a retry budget exhausted (ErrProtocolTimeout) gets
// ExitCodeProtocolTimeout; every other sentinel — PeerRefused,
// TransactionAborted, BusyPeer, CoverageGap, HexError, Transport — is an
// ordinary operational failure, ExitCodeFailure.
func NewProtocolError(err error) *ProtocolError {
	if err == nil {
		return nil
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	code := ExitCodeFailure
	if errors.Is(err, ErrProtocolTimeout) {
		code = ExitCodeProtocolTimeout
	}
	return &ProtocolError{Err: err, Code: code}
}

// wrapf is a small helper that attaches a sentinel and a formatted message
// in one call.
func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}
