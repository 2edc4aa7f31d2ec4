package httpparser

import (
	"bytes"
	"fmt"
	"net/textproto"
	"os"
	"strings"
)

// FileHeader describes one streamed-to-disk file part.
type FileHeader struct {
	Filename    string
	ContentType string
	TempPath    string
	Size        int64
}

// MultipartForm holds the parsed multipart/form-data body: plain field
// values kept in memory, and file parts streamed to TempPath as they
// arrive so a large upload never has to sit fully in memory.
type MultipartForm struct {
	Value map[string][]string
	File  map[string][]FileHeader
}

type mpState int

const (
	// mpExpectBoundaryLine is the initial state: the body must begin
	// directly with the dash-boundary line (no preamble).
	mpExpectBoundaryLine mpState = iota
	// mpExpectHeaders reads part header lines until a blank line.
	mpExpectHeaders
	// mpExpectData scans part data for the next delimiter
	// ("\r\n--boundary"), holding back a safe suffix when not found.
	mpExpectData
	// mpAfterDelimiter decides, from the two bytes following a found
	// delimiter, whether this was the closing boundary ("--") or a
	// separator before the next part's headers ("\r\n").
	mpAfterDelimiter
	mpDone
)

// multipartState is the streamed multipart/form-data parser. See the
// package doc comment for why its boundary search differs from the
// original C++ implementation: when the delimiter isn't found in the
// current chunk, this only flushes the prefix that is provably not part
// of a split delimiter, holding back the last len(delim)-1 bytes across
// calls instead of consuming everything.
type multipartState struct {
	dash  []byte // "--" + boundary
	delim []byte // "\r\n--" + boundary

	state   mpState
	lineBuf []byte // accumulator for boundary-line / header-line reads
	trailer []byte // accumulator for the 2 bytes following a delimiter

	curName        string
	curFilename    string
	curContentType string
	curIsFile      bool
	curFile        *os.File
	curFieldBuf    []byte
	curSize        int64

	uploadDir string
	fileSeq   int

	values map[string][]string
	files  map[string][]FileHeader

	pendingTail []byte // held-back suffix of part data, length < len(delim)
}

func newMultipartState(boundary, uploadDir string) *multipartState {
	dash := []byte("--" + boundary)
	delim := append([]byte("\r\n"), dash...)
	if uploadDir == "" {
		uploadDir = os.TempDir()
	}
	return &multipartState{
		dash:      dash,
		delim:     delim,
		state:     mpExpectBoundaryLine,
		uploadDir: uploadDir,
		values:    map[string][]string{},
		files:     map[string][]FileHeader{},
	}
}

func (m *multipartState) result() *MultipartForm {
	return &MultipartForm{Value: m.values, File: m.files}
}

// feed consumes as much of data as the current state allows. It returns
// the number of bytes of data consumed and whether the closing boundary
// has been reached.
func (m *multipartState) feed(data []byte) (consumed int, done bool, err error) {
	total := 0
	for len(data) > 0 {
		switch m.state {

		case mpExpectBoundaryLine, mpExpectHeaders:
			c, line, ok, lerr := readLine(m.lineBuf, data)
			if lerr != nil {
				return total, false, lerr
			}
			total += c
			data = data[c:]
			if !ok {
				m.lineBuf = append(m.lineBuf[:0:0], line...)
				return total, false, nil
			}
			m.lineBuf = m.lineBuf[:0]

			if m.state == mpExpectBoundaryLine {
				closing := append(append([]byte(nil), m.dash...), '-', '-')
				if bytes.Equal(line, closing) {
					m.state = mpDone
					return total, true, nil
				}
				if !bytes.Equal(line, m.dash) {
					return total, false, fmt.Errorf("httpparser: expected multipart boundary, got %q", line)
				}
				m.resetPart()
				m.state = mpExpectHeaders
				continue
			}

			// mpExpectHeaders
			if len(line) == 0 {
				if err := m.openPart(); err != nil {
					return total, false, err
				}
				m.state = mpExpectData
				continue
			}
			if err := m.parsePartHeaderLine(line); err != nil {
				return total, false, err
			}

		case mpExpectData:
			combined := make([]byte, 0, len(m.pendingTail)+len(data))
			combined = append(combined, m.pendingTail...)
			oldPendingLen := len(m.pendingTail)
			combined = append(combined, data...)

			idx := bytes.Index(combined, m.delim)
			if idx < 0 {
				holdback := len(m.delim) - 1
				if holdback < 0 {
					holdback = 0
				}
				flushTo := len(combined) - holdback
				if flushTo < 0 {
					flushTo = 0
				}
				if err := m.writePartData(combined[:flushTo]); err != nil {
					return total, false, err
				}
				m.pendingTail = append([]byte(nil), combined[flushTo:]...)
				total += len(data)
				return total, false, nil
			}

			if err := m.writePartData(combined[:idx]); err != nil {
				return total, false, err
			}
			if err := m.closePart(); err != nil {
				return total, false, err
			}

			consumedTotal := idx + len(m.delim)
			dataConsumed := consumedTotal - oldPendingLen
			if dataConsumed < 0 {
				dataConsumed = 0
			}
			m.pendingTail = nil
			data = data[dataConsumed:]
			total += dataConsumed
			m.state = mpAfterDelimiter

		case mpAfterDelimiter:
			c, terminal, ok, lerr := readAfterDelimiter(&m.trailer, data)
			if lerr != nil {
				return total, false, lerr
			}
			total += c
			data = data[c:]
			if !ok {
				return total, false, nil
			}
			if terminal {
				m.state = mpDone
				return total, true, nil
			}
			m.resetPart()
			m.state = mpExpectHeaders

		case mpDone:
			return total, true, nil
		}
	}
	return total, m.state == mpDone, nil
}

// readAfterDelimiter buffers (across calls, via *buf) the two bytes that
// follow a found delimiter and reports whether they spell the closing
// "--" or the "\r\n" that precedes the next part's headers.
func readAfterDelimiter(buf *[]byte, data []byte) (consumed int, terminal bool, ok bool, err error) {
	need := 2 - len(*buf)
	if need > len(data) {
		*buf = append(*buf, data...)
		return len(data), false, false, nil
	}
	*buf = append(*buf, data[:need]...)
	consumed = need

	switch {
	case string(*buf) == "--":
		*buf = (*buf)[:0]
		return consumed, true, true, nil
	case (*buf)[0] == '\r' && (*buf)[1] == '\n':
		*buf = (*buf)[:0]
		return consumed, false, true, nil
	default:
		return consumed, false, false, fmt.Errorf("httpparser: malformed multipart boundary trailer %q", *buf)
	}
}

func (m *multipartState) resetPart() {
	m.curName = ""
	m.curFilename = ""
	m.curContentType = ""
	m.curIsFile = false
	m.curFile = nil
	m.curFieldBuf = m.curFieldBuf[:0]
	m.curSize = 0
}

func (m *multipartState) parsePartHeaderLine(line []byte) error {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return fmt.Errorf("httpparser: malformed multipart header %q", line)
	}
	key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(string(line[:i])))
	val := strings.TrimSpace(string(line[i+1:]))

	switch key {
	case "Content-Disposition":
		m.curName = dispositionParam(val, "name")
		m.curFilename = dispositionParam(val, "filename")
	case "Content-Type":
		m.curContentType = val
	}
	return nil
}

func dispositionParam(header, param string) string {
	marker := param + `="`
	idx := strings.Index(header, marker)
	if idx < 0 {
		return ""
	}
	rest := header[idx+len(marker):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func (m *multipartState) openPart() error {
	if m.curFilename != "" {
		m.curIsFile = true
		m.fileSeq++
		f, err := os.CreateTemp(m.uploadDir, fmt.Sprintf("upload-%d-*", m.fileSeq))
		if err != nil {
			return fmt.Errorf("httpparser: create temp file: %w", err)
		}
		m.curFile = f
	}
	return nil
}

func (m *multipartState) writePartData(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	m.curSize += int64(len(b))
	if m.curIsFile {
		if m.curFile == nil {
			return nil
		}
		_, err := m.curFile.Write(b)
		return err
	}
	m.curFieldBuf = append(m.curFieldBuf, b...)
	return nil
}

func (m *multipartState) closePart() error {
	if m.curName == "" {
		return nil
	}
	if m.curIsFile {
		var path string
		if m.curFile != nil {
			path = m.curFile.Name()
			if err := m.curFile.Close(); err != nil {
				return err
			}
		}
		m.files[m.curName] = append(m.files[m.curName], FileHeader{
			Filename:    m.curFilename,
			ContentType: m.curContentType,
			TempPath:    path,
			Size:        m.curSize,
		})
		return nil
	}
	m.values[m.curName] = append(m.values[m.curName], string(m.curFieldBuf))
	return nil
}
