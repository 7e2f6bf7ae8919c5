// Package extraction pulls indicators of compromise out of normalized events.
package extraction

import (
	"net/netip"
	"regexp"
	"sort"
	"strings"

	"github.com/lvonguyen/alertforge/internal/telemetry"
)

var (
	ipv4Pattern   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	ipv6Pattern   = regexp.MustCompile(`(?i)\b[0-9a-f]{0,4}(?::[0-9a-f]{0,4}){2,7}\b`)
	domainPattern = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,24}\b`)
	hashPattern   = regexp.MustCompile(`(?i)\b[0-9a-f]{32,128}\b`)
)

// fileSuffixes look like TLDs but are almost always file names in log text.
var fileSuffixes = map[string]struct{}{
	"exe": {}, "dll": {}, "sys": {}, "bat": {}, "cmd": {}, "log": {}, "txt": {},
	"tmp": {}, "ini": {}, "dat": {}, "bin": {}, "cfg": {}, "conf": {}, "json": {},
	"xml": {}, "yaml": {}, "yml": {}, "zip": {}, "doc": {}, "docx": {}, "xls": {},
	"xlsx": {}, "pdf": {}, "js": {}, "vbs": {}, "sh": {}, "py": {}, "jar": {},
	"msi": {}, "lnk": {}, "scr": {}, "service": {}, "so": {}, "pid": {}, "lock": {},
}

var placeholderIdentities = map[string]struct{}{
	"-": {}, "n/a": {}, "none": {}, "unknown": {}, "null": {},
}

// priority orders IOC types when choosing the primary indicator.
var priority = map[telemetry.IOCType]int{
	telemetry.IOCTypeIP:       0,
	telemetry.IOCTypeHash:     1,
	telemetry.IOCTypeDomain:   2,
	telemetry.IOCTypeIdentity: 3,
}

// Extract returns the distinct IOCs of ev, ordered by type priority and then
// value. It never fails; unparseable candidates are skipped.
func Extract(ev telemetry.NormalizedEvent) []telemetry.IOC {
	set := make(map[telemetry.IOC]struct{})
	add := func(ioc telemetry.IOC, ok bool) {
		if ok {
			set[ioc] = struct{}{}
		}
	}

	if ev.ActorIP != "" {
		add(ipIOC(ev.ActorIP))
	}
	if ev.ActorUser != "" {
		add(identityIOC(ev.ActorUser))
	}
	for _, h := range ev.Hashes {
		add(hashIOC(h))
	}
	for _, d := range ev.Domains {
		add(domainIOC(d))
	}

	if ev.Message != "" {
		for _, m := range ipv4Pattern.FindAllString(ev.Message, -1) {
			add(ipIOC(m))
		}
		for _, m := range ipv6Pattern.FindAllString(ev.Message, -1) {
			if strings.Count(m, ":") >= 2 {
				add(ipIOC(m))
			}
		}
		for _, m := range domainPattern.FindAllString(ev.Message, -1) {
			add(domainIOC(m))
		}
		for _, m := range hashPattern.FindAllString(ev.Message, -1) {
			add(hashIOC(m))
		}
	}

	out := make([]telemetry.IOC, 0, len(set))
	for ioc := range set {
		out = append(out, ioc)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := priority[out[i].Type], priority[out[j].Type]
		if pi != pj {
			return pi < pj
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// Primary picks the indicator that identifies the event: an IP before a
// hash, before a domain, before an identity. iocs must be in Extract order.
func Primary(iocs []telemetry.IOC) (telemetry.IOC, bool) {
	if len(iocs) == 0 {
		return telemetry.IOC{}, false
	}
	return iocs[0], true
}

// Filter returns the IOCs of the given types, preserving order.
func Filter(iocs []telemetry.IOC, types ...telemetry.IOCType) []telemetry.IOC {
	var out []telemetry.IOC
	for _, ioc := range iocs {
		for _, t := range types {
			if ioc.Type == t {
				out = append(out, ioc)
				break
			}
		}
	}
	return out
}

func ipIOC(s string) (telemetry.IOC, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || addr.IsUnspecified() {
		return telemetry.IOC{}, false
	}
	return telemetry.IOC{Type: telemetry.IOCTypeIP, Value: addr.Unmap().String()}, true
}

func identityIOC(s string) (telemetry.IOC, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return telemetry.IOC{}, false
	}
	if _, skip := placeholderIdentities[strings.ToLower(s)]; skip {
		return telemetry.IOC{}, false
	}
	return telemetry.IOC{Type: telemetry.IOCTypeIdentity, Value: s}, true
}

func hashIOC(s string) (telemetry.IOC, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch len(s) {
	case 32, 40, 64, 128:
	default:
		return telemetry.IOC{}, false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return telemetry.IOC{}, false
		}
	}
	return telemetry.IOC{Type: telemetry.IOCTypeHash, Value: s}, true
}

func domainIOC(s string) (telemetry.IOC, bool) {
	s = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
	if s == "" || !domainPattern.MatchString(s) {
		return telemetry.IOC{}, false
	}
	if _, err := netip.ParseAddr(s); err == nil {
		return telemetry.IOC{}, false
	}
	tld := s[strings.LastIndexByte(s, '.')+1:]
	if _, file := fileSuffixes[tld]; file {
		return telemetry.IOC{}, false
	}
	return telemetry.IOC{Type: telemetry.IOCTypeDomain, Value: s}, true
}
