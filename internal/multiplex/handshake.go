package multiplex

import (
	"errors"
	"fmt"

	"github.com/cbeuw/mplex/internal/sizeprefix"
)

const multistreamID = "/multistream/1.0.0"

var errUnexpectedHeader = errors.New("unexpected protocol header")

// appendHeaderLine appends a multistream-select line: the varint length of the line including its
// trailing newline, then the line itself
func appendHeaderLine(dst []byte, line string) []byte {
	dst, _ = lengthPrefix.Append(dst, uint64(len(line)+1))
	dst = append(dst, line...)
	return append(dst, '\n')
}

// protocolHeader announces protocolID on a fresh connection
func protocolHeader(protocolID string) []byte {
	buf := appendHeaderLine(nil, multistreamID)
	return appendHeaderLine(buf, protocolID)
}

// readHeaderLine returns the first line of buf without its newline. ok is false if buf
// ends before the line does.
func readHeaderLine(buf []byte) (line string, n int, ok bool, err error) {
	length, i, err := lengthPrefix.Read(buf)
	if errors.Is(err, sizeprefix.ErrIncompleteInput) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	if uint64(len(buf)-i) < length {
		return "", 0, false, nil
	}
	raw := buf[i : i+int(length)]
	if length == 0 || raw[length-1] != '\n' {
		return "", 0, false, fmt.Errorf("line %q is not newline terminated: %w", raw, errUnexpectedHeader)
	}
	return string(raw[:length-1]), i + int(length), true, nil
}

// acceptHeader consumes the remote's protocol header from the start of buf. done is false
// while buf doesn't hold the whole header yet, in which case nothing is consumed.
func acceptHeader(buf []byte, protocolID string) (rest []byte, done bool, err error) {
	want := []string{multistreamID, protocolID}
	for _, w := range want {
		line, n, ok, err := readHeaderLine(buf)
		if err != nil || !ok {
			return nil, false, err
		}
		if line != w {
			return nil, false, fmt.Errorf("expecting %q, got %q: %w", w, line, errUnexpectedHeader)
		}
		buf = buf[n:]
	}
	return buf, true, nil
}
