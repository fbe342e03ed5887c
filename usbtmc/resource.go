package usbtmc

import (
	"regexp"
	"strconv"
)

// resourceRE matches USB[N]::<vid>::<pid>::INSTR and
// USB[N]::<vid>::<pid>::<serial>::INSTR, vid/pid decimal or 0x-prefixed hex.
var resourceRE = regexp.MustCompile(
	`^USB\d*::(0[xX][0-9a-fA-F]+|\d+)::(0[xX][0-9a-fA-F]+|\d+)(?:::([^:]+))?::INSTR$`)

// Resource is a parsed VISA-style USBTMC resource string.
type Resource struct {
	VID, PID uint16
	Serial   string // empty if the resource string omitted it
}

// ParseResource parses the patterns described in spec.md §4.8. Any other
// shape returns ErrInvalidResource.
func ParseResource(s string) (Resource, error) {
	m := resourceRE.FindStringSubmatch(s)
	if m == nil {
		return Resource{}, ErrInvalidResource
	}
	vid, err := parseID(m[1])
	if err != nil {
		return Resource{}, ErrInvalidResource
	}
	pid, err := parseID(m[2])
	if err != nil {
		return Resource{}, ErrInvalidResource
	}
	return Resource{VID: vid, PID: pid, Serial: m[3]}, nil
}

func parseID(s string) (uint16, error) {
	base := 10
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		base = 16
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
