// Package protocol implements the client side of the git upload-pack
// handshake: parsing the server's ref advertisement and building the
// want/done request for a full fetch.
package protocol

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const branchPrefix = "refs/heads/"

// RefAdvertisement is the server's initial listing of refs and capabilities.
type RefAdvertisement struct {
	refs         map[string]string
	order        []string
	Capabilities []string
}

// ParseAdvertisement builds a RefAdvertisement from decoded pkt-line payloads.
//
// Parsing is deliberately lenient to stay compatible with the variety of
// servers this tool is pointed at: bytes that are not valid UTF-8 are dropped,
// and lines with fewer than two fields are skipped rather than reported.
func ParseAdvertisement(packets [][]byte) *RefAdvertisement {
	adv := &RefAdvertisement{refs: make(map[string]string)}

	first := true
	for _, packet := range packets {
		line := strings.TrimRight(strings.ToValidUTF8(string(packet), ""), " \t\r\n")
		if line == "" {
			continue
		}

		if first {
			first = false
			// The first line carries the capability list after a NUL.
			if refPart, capPart, found := strings.Cut(line, "\x00"); found {
				adv.addRefLine(refPart)
				adv.Capabilities = strings.Fields(capPart)
				continue
			}
		}
		adv.addRefLine(line)
	}

	return adv
}

func (a *RefAdvertisement) addRefLine(line string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return
	}
	oid, name := fields[0], fields[1]
	if _, seen := a.refs[name]; !seen {
		a.order = append(a.order, name)
	}
	a.refs[name] = oid
}

// Len returns the number of advertised refs.
func (a *RefAdvertisement) Len() int {
	return len(a.refs)
}

// Lookup returns the object id advertised for name.
func (a *RefAdvertisement) Lookup(name string) (string, bool) {
	oid, ok := a.refs[name]
	return oid, ok
}

// DefaultRef selects the ref a plain clone would fetch: HEAD, then
// refs/heads/main, then refs/heads/master, then the first advertised branch.
func (a *RefAdvertisement) DefaultRef() (name, oid string, ok bool) {
	for _, candidate := range []string{"HEAD", branchPrefix + "main", branchPrefix + "master"} {
		if oid, ok := a.refs[candidate]; ok {
			return candidate, oid, true
		}
	}

	for _, name := range a.order {
		if strings.HasPrefix(name, branchPrefix) {
			return name, a.refs[name], true
		}
	}

	return "", "", false
}

// MatchRef returns the first advertised ref, in advertisement order, whose
// name matches the given doublestar pattern.
func (a *RefAdvertisement) MatchRef(pattern string) (name, oid string, ok bool) {
	for _, name := range a.order {
		matched, err := doublestar.Match(pattern, name)
		if err != nil {
			return "", "", false
		}
		if matched {
			return name, a.refs[name], true
		}
	}
	return "", "", false
}
