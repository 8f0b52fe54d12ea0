package mailsync

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/vdavid/vmail/mailsync/internal/imap"
)

var (
	// ErrFolderNotFound is returned when a folder id is not in the account's folder list.
	ErrFolderNotFound = errors.New("folder not found")
	// ErrSessionClosed is returned when a closed session is used.
	ErrSessionClosed = errors.New("session closed")
	// ErrStreamClosed is returned when sending a command to a finished stream.
	ErrStreamClosed = errors.New("stream closed")
)

// ErrorKind classifies a failure for retry decisions and display.
type ErrorKind string

const (
	// KindTransport failures (refused, timeout, TLS, dropped connection) are retryable.
	KindTransport ErrorKind = "transport"
	// KindProtocol failures (missing folder, permission denied) are terminal for the operation.
	KindProtocol ErrorKind = "protocol"
	// KindUnknown failures fit neither class.
	KindUnknown ErrorKind = "unknown"
)

// SyncError is a classified failure of a sync operation.
type SyncError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func newSyncError(op string, err error) *SyncError {
	return &SyncError{Kind: Classify(err), Op: op, Err: err}
}

// Classify reports which kind of failure err is.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var syncErr *SyncError
	if errors.As(err, &syncErr) && syncErr.Kind != "" {
		return syncErr.Kind
	}

	if errors.Is(err, imap.ErrProtocol) || errors.Is(err, ErrFolderNotFound) {
		return KindProtocol
	}

	if isTransport(err) {
		return KindTransport
	}

	return KindUnknown
}

func isTransport(err error) bool {
	switch {
	case errors.Is(err, imap.ErrDisconnected),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}

	var authorityErr x509.UnknownAuthorityError
	if errors.As(err, &authorityErr) {
		return true
	}

	var hostErr x509.HostnameError
	return errors.As(err, &hostErr)
}
