package chat

import "bytes"

var recordSeparator = []byte("\n\n")

// Assembler reassembles logical stream records from arbitrarily fragmented
// byte chunks. A record ends at a blank line; bytes after the last complete
// record are buffered until the boundary arrives.
type Assembler struct {
	buf []byte
}

// Push appends one raw chunk and returns every complete record now
// available, in order.
func (a *Assembler) Push(chunk []byte) []string {
	a.buf = append(a.buf, chunk...)

	var records []string
	for {
		i := bytes.Index(a.buf, recordSeparator)
		if i < 0 {
			return records
		}
		records = append(records, string(a.buf[:i]))
		a.buf = a.buf[i+len(recordSeparator):]
	}
}

// Flush returns whatever partial record remains buffered, clearing it.
// Called once at end of stream for a final record without a trailing
// boundary.
func (a *Assembler) Flush() string {
	rest := string(a.buf)
	a.buf = nil
	return rest
}
