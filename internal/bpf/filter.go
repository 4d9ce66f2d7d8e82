// Package bpf assembles BPF filter expressions from capture settings
// and provides best-effort syntax heuristics. It is pure string work;
// real filter validation happens inside the capture binary.
package bpf

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/netlabtools/capagent/internal/models"
)

// protocolMap translates protocol selections into BPF primitives.
// Legacy uppercase names map onto the same primitives.
var protocolMap = map[string]string{
	"tcp":      "tcp",
	"udp":      "udp",
	"icmp":     "icmp",
	"arp":      "arp",
	"ip":       "ip",
	"ip6":      "ip6",
	"PTP":      "udp port 319 or udp port 320",
	"PROFINET": "ether proto 0x8892",
}

// Build assembles the complete filter expression from settings. The
// result can be empty when no filter inputs are configured.
func Build(s *models.CaptureSettings) string {
	var filters []string

	if translated := translateProtocols(s.FilterProtocols); len(translated) > 0 {
		filters = append(filters, fmt.Sprintf("(%s)", strings.Join(translated, " or ")))
	}

	if host := strings.TrimSpace(s.FilterHosts); host != "" {
		filters = append(filters, "host "+host)
	}

	if port := strings.TrimSpace(s.FilterPorts); port != "" {
		filters = append(filters, "port "+port)
	}

	if s.FilterVlanID > 0 {
		filters = append(filters, fmt.Sprintf("vlan %d", s.FilterVlanID))
	}

	filters = append(filters, tsnFilters(s)...)

	// TSN priority is encoded in the VLAN TCI PCP bits.
	if prio := s.TsnPriorityFilter; prio != nil && *prio >= 0 && *prio <= 7 {
		filters = append(filters, fmt.Sprintf("vlan and ether[14:2] & 0xe000 = %d", *prio<<13))
	}

	if custom := strings.TrimSpace(s.BPFFilter); custom != "" {
		filters = append(filters, fmt.Sprintf("(%s)", custom))
	}

	return strings.Join(filters, " and ")
}

func translateProtocols(raw []string) []string {
	var translated []string
	for _, item := range raw {
		key := strings.TrimSpace(item)
		if key == "" {
			continue
		}
		mapped := protocolMap[key]
		if mapped == "" {
			mapped = protocolMap[strings.ToUpper(key)]
		}
		if mapped == "" {
			mapped = protocolMap[strings.ToLower(key)]
		}
		if mapped != "" {
			translated = append(translated, mapped)
		} else {
			translated = append(translated, strings.ToLower(key))
		}
	}
	return translated
}

// tsnFilters builds the time-sensitive-networking clauses. gPTP
// (ether proto 0x88f7) is layer 2 while PTPv2 runs over UDP; when both
// are requested they combine with OR, never AND. A VLAN requirement
// restricts to gPTP only, since PTPv2-over-UDP is usually untagged.
func tsnFilters(s *models.CaptureSettings) []string {
	switch {
	case s.CaptureTsnSync && s.CapturePtp:
		if s.CaptureVlanTagged {
			return []string{"(vlan and ether proto 0x88f7)"}
		}
		return []string{"(ether proto 0x88f7 or (udp port 319 or udp port 320))"}
	case s.CaptureTsnSync:
		if s.CaptureVlanTagged {
			return []string{"(vlan and ether proto 0x88f7)"}
		}
		return []string{"ether proto 0x88f7"}
	case s.CapturePtp:
		return []string{"(udp port 319 or udp port 320)"}
	case s.CaptureVlanTagged:
		return []string{"vlan"}
	}
	return nil
}

// filterKeywords are common BPF primitives used by the syntax heuristic.
var filterKeywords = []string{
	"host", "net", "port", "src", "dst", "and", "or", "not",
	"tcp", "udp", "icmp", "ip", "ip6", "arp", "ether", "vlan",
	"portrange", "proto", "broadcast", "multicast", "less", "greater",
}

var digitRe = regexp.MustCompile(`\d`)

// LooksValid is a cheap plausibility check for a filter expression:
// balanced parentheses, bounded length, and at least one known keyword
// or numeric token. It is a heuristic, not a parser; callers only warn
// on a negative result.
func LooksValid(filter string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" || len(filter) > 1000 {
		return false
	}
	if strings.Count(filter, "(") != strings.Count(filter, ")") {
		return false
	}
	lower := strings.ToLower(filter)
	for _, kw := range filterKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return digitRe.MatchString(filter)
}

var interfaceNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidInterfaceName checks a network interface name against the
// restrictive charset and the 15-character kernel limit.
func ValidInterfaceName(name string) bool {
	if name == "" || len(name) > 15 {
		return false
	}
	return interfaceNameRe.MatchString(name)
}
