package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/yuya-takeyama/git-load-tester/pkg/pktline"
)

// Capabilities advertised on the first want line. side-band-64k makes the
// server stream the pack instead of batching it, which is what we are
// measuring.
const Capabilities = "multi_ack_detailed side-band-64k thin-pack ofs-delta agent=git-load-tester/0.1.0"

// ErrNoWants is returned by BuildFetchRequest when no object ids are given.
var ErrNoWants = errors.New("fetch request needs at least one object id")

// BuildFetchRequest builds a complete upload-pack request for a full fetch of
// the given object ids: want lines (capabilities on the first), a flush, and a
// done line. No have lines are ever sent; every clone is non-incremental.
func BuildFetchRequest(oids []string) ([]byte, error) {
	if len(oids) == 0 {
		return nil, ErrNoWants
	}

	var buf bytes.Buffer
	for i, oid := range oids {
		var line string
		if i == 0 {
			line = fmt.Sprintf("want %s %s\n", oid, Capabilities)
		} else {
			line = fmt.Sprintf("want %s\n", oid)
		}
		pkt, err := pktline.Encode([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("encode want line: %w", err)
		}
		buf.Write(pkt)
	}

	buf.Write(pktline.Flush())

	done, err := pktline.Encode([]byte("done\n"))
	if err != nil {
		return nil, fmt.Errorf("encode done line: %w", err)
	}
	buf.Write(done)

	return buf.Bytes(), nil
}
