package checks

import (
	"bufio"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// maxMetaint bounds the icy-metaint value accepted from a server.
const maxMetaint = 1 << 20

var icyField = regexp.MustCompile(`([A-Za-z]+)='(.*?)';`)

// parseICYMetadata splits an ICY metadata block ("StreamTitle='x';StreamUrl='y';")
// into its fields.
func parseICYMetadata(block string) map[string]string {
	block = strings.TrimRight(block, "\x00")
	if !strings.HasSuffix(block, ";") {
		block += ";"
	}
	out := make(map[string]string)
	for _, m := range icyField.FindAllStringSubmatch(block, -1) {
		out[m[1]] = m[2]
	}
	return out
}

// metaint returns the announced icy-metaint, or 0 when absent or invalid.
func metaint(h http.Header) int {
	n, err := strconv.Atoi(strings.TrimSpace(h.Get("Icy-Metaint")))
	if err != nil || n <= 0 || n > maxMetaint {
		return 0
	}
	return n
}

// icyReader walks an ICY stream: metaint audio bytes, one length byte, then
// length*16 bytes of metadata, repeated.
type icyReader struct {
	r       *bufio.Reader
	metaint int
	audio   int64
}

func newICYReader(r io.Reader, metaint int) *icyReader {
	return &icyReader{r: bufio.NewReaderSize(r, 16*1024), metaint: metaint}
}

// next skips one audio interval and returns the metadata block that follows.
// An empty string means the server repeated the previous metadata.
func (ir *icyReader) next() (string, error) {
	n, err := io.CopyN(io.Discard, ir.r, int64(ir.metaint))
	ir.audio += n
	if err != nil {
		return "", err
	}
	length, err := ir.r.ReadByte()
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, int(length)*16)
	if _, err := io.ReadFull(ir.r, buf); err != nil {
		return "", errors.Wrap(err, "short icy metadata block")
	}
	return strings.TrimRight(string(buf), "\x00"), nil
}

// splitICY separates a probe captured from an ICY stream into its audio
// payload and the metadata blocks interleaved in it. A trailing partial
// interval is kept as audio.
func splitICY(probe []byte, metaint int) (audio []byte, blocks []string) {
	if metaint <= 0 {
		return probe, nil
	}
	audio = make([]byte, 0, len(probe))
	for len(probe) > 0 {
		n := metaint
		if n > len(probe) {
			n = len(probe)
		}
		audio = append(audio, probe[:n]...)
		probe = probe[n:]
		if len(probe) == 0 {
			break
		}
		size := int(probe[0]) * 16
		probe = probe[1:]
		if size > len(probe) {
			break
		}
		if size > 0 {
			blocks = append(blocks, strings.TrimRight(string(probe[:size]), "\x00"))
		}
		probe = probe[size:]
	}
	return audio, blocks
}
