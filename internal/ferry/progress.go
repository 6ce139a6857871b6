package ferry

import "io"

// Sample is one progress observation for a single file transfer.
type Sample struct {
	Label       string
	Transferred int64
	Total       int64
}

// ProgressFunc receives cumulative byte counts. For one file, Transferred
// never decreases and the last call has Transferred == Total.
type ProgressFunc func(s Sample)

// NopProgress discards samples.
func NopProgress(Sample) {}

// progressReader reports cumulative bytes after every Read.
type progressReader struct {
	r        io.Reader
	label    string
	total    int64
	n        int64
	report   ProgressFunc
	reported bool
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.n += int64(n)
		p.emit()
	}
	return n, err
}

func (p *progressReader) emit() {
	p.reported = p.n == p.total
	p.report(Sample{Label: p.label, Transferred: p.n, Total: p.total})
}

// finish emits the completion sample if the last chunk did not already.
func (p *progressReader) finish() {
	if !p.reported {
		p.emit()
	}
}

// progressWriter reports cumulative bytes after every Write.
type progressWriter struct {
	w        io.Writer
	label    string
	total    int64
	n        int64
	report   ProgressFunc
	reported bool
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 {
		p.n += int64(n)
		p.emit()
	}
	return n, err
}

func (p *progressWriter) emit() {
	p.reported = p.n == p.total
	p.report(Sample{Label: p.label, Transferred: p.n, Total: p.total})
}

func (p *progressWriter) finish() {
	if !p.reported {
		p.emit()
	}
}
