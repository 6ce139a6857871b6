package ferry

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection marks failures to open the remote session.
	ErrConnection = errors.New("connection failed")
	// ErrSourceNotFound marks a source missing both locally and remotely.
	ErrSourceNotFound = errors.New("source not found")
	// ErrTransfer marks a file upload or download that failed mid-stream.
	ErrTransfer = errors.New("transfer failed")
	// ErrSourceRemoval marks a transfer that succeeded but whose source could
	// not be removed afterwards. The data then exists in both places.
	ErrSourceRemoval = errors.New("source removal failed")
)

// ConnectionError is returned by dialers when the transport or
// authentication step fails.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// SourceNotFoundError reports a source path that exists neither locally nor
// on the remote session.
type SourceNotFoundError struct {
	Path string
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("source not found on local filesystem or remote session: %s", e.Path)
}

func (e *SourceNotFoundError) Is(target error) bool { return target == ErrSourceNotFound }

// TransferError reports a failed file upload or download.
type TransferError struct {
	Op          string // "upload" or "download"
	Source      string
	Destination string
	Err         error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s -> %s: %v", e.Op, e.Source, e.Destination, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransfer }

// RemovalError reports a source that was transferred but not removed.
type RemovalError struct {
	Path   string
	Remote bool
	Err    error
}

func (e *RemovalError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("removing %s source %s after transfer: %v", side, e.Path, e.Err)
}

func (e *RemovalError) Unwrap() error { return e.Err }

func (e *RemovalError) Is(target error) bool { return target == ErrSourceRemoval }
