package ferry

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// Secret is an opaque credential. It never renders its value in logs or
// formatted output.
type Secret string

func (Secret) String() string { return "[redacted]" }

// LogValue implements slog.LogValuer.
func (Secret) LogValue() slog.Value { return slog.StringValue("[redacted]") }

// Reveal returns the raw credential for handing to a transport.
func (s Secret) Reveal() string { return string(s) }

// Endpoint identifies the remote side of a job.
type Endpoint struct {
	Host       string
	Port       int
	User       string
	Credential Secret
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Job describes a single synchronization call. It is not modified while the
// job runs.
type Job struct {
	Remote      Endpoint
	Source      string
	Destination string
	Move        bool
}

// Direction is the transfer direction of a job.
type Direction int

const (
	// Push transfers from the local filesystem to the remote session.
	Push Direction = iota
	// Pull transfers from the remote session to the local filesystem.
	Pull
)

func (d Direction) String() string {
	switch d {
	case Push:
		return "push"
	case Pull:
		return "pull"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// NodeKind discriminates files from directories during traversal.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDirectory
)

// Node is one source/destination pair visited during traversal.
type Node struct {
	Source      string
	Destination string
	Kind        NodeKind
}

// Stats counts the files transferred by a traversal.
type Stats struct {
	Files int
	Bytes int64
}

func (s *Stats) add(size int64) {
	s.Files++
	s.Bytes += size
}

// Result is returned by Run. Elapsed covers the traversal only, not
// connection setup or teardown.
type Result struct {
	Direction Direction
	Elapsed   time.Duration
	Stats
}

// Seconds returns the elapsed traversal time in seconds.
func (r *Result) Seconds() float64 {
	return r.Elapsed.Seconds()
}
