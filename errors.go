package lasp

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrConflictingBind = errors.New("store: variable already bound to a different value")
	ErrNotImplemented  = errors.New("store: operation not supported on this path")
	ErrUnknownType     = errors.New("store: type is not registered as a lattice")

	ErrInvalidCfg         = errors.New("mesh: invalid options")
	ErrMeshClosed         = errors.New("mesh: shutting down")
	ErrJoinCluster        = errors.New("mesh: could not join cluster")
	ErrRoutingUnavailable = errors.New("mesh: cannot resolve an owner for the key")
	ErrUnknownProgram     = errors.New("mesh: program is not registered")

	ErrInvalidFrame    = errors.New("transport: malformed frame")
	ErrTooLargeFrame   = errors.New("transport: frame was too large could not send")
	ErrStreamWrite     = errors.New("transport: error writing to a stream")
	ErrUdpNotAvailable = errors.New("transport: UDP listener not available")
	ErrNoTLSConfig     = errors.New("transport: TlsConfig is required")
	ErrShutdown        = errors.New("transport: shutting down")
	ErrInvalidAddr     = errors.New("transport: the address you provided is invalid")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdownConn = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
