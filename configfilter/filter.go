// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package configfilter

import (
	"net"
	"strings"
)

// Filter describes the predicate under which a Fragment's settings apply,
// or (when used as a request) the caller asking for settings to be
// resolved. It mirrors struct config_filter from the original source:
// a service name, a local name (possibly space-separated wildcards), and
// local/remote subnets expressed as bit-masked networks.
type Filter struct {
	// Service restricts the filter to a named service. A leading "!"
	// negates the match (matches every service except the named one).
	Service string

	// LocalName restricts the filter to one or more local host names,
	// separated by spaces, each matched as a DNS wildcard against the
	// request's LocalName.
	LocalName string

	// LocalNet/LocalBits and RemoteNet/RemoteBits restrict the filter to
	// a subnet of the local or remote address respectively. Bits == 0
	// means "no restriction".
	LocalNet   net.IP
	LocalBits  int
	RemoteNet  net.IP
	RemoteBits int
}

// matchWildcard reports whether host matches the DNS wildcard pattern,
// where a leading "*." in pattern matches exactly one label.
func matchWildcard(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(host)
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".domain.tld"
		if !strings.HasSuffix(host, suffix) {
			return false
		}
		rest := strings.TrimSuffix(host, suffix)
		return rest != "" && !strings.Contains(rest, ".")
	}
	return pattern == host
}

// matchLocalName reproduces config_filter_match_local_name: mask.LocalName
// may hold several space-separated alternatives, any one of which matching
// the request's local name is sufficient.
func matchLocalName(mask *Filter, requestLocalName string) bool {
	for _, name := range strings.Fields(mask.LocalName) {
		if matchWildcard(name, requestLocalName) {
			return true
		}
	}
	return false
}

// inNetwork reports whether addr falls within network/bits, the way
// net_is_in_network does: an all-zero bits count means "no restriction"
// and is handled by the caller before inNetwork is reached.
func inNetwork(addr, network net.IP, bits int) bool {
	if a4 := addr.To4(); a4 != nil {
		addr = a4
	}
	if n4 := network.To4(); n4 != nil {
		network = n4
	}
	mask := net.CIDRMask(bits, 8*len(network))
	n := &net.IPNet{IP: network.Mask(mask), Mask: mask}
	return n.Contains(addr)
}

func matchService(mask, filter *Filter) bool {
	if mask.Service == "" {
		return true
	}
	if filter.Service == "" {
		return false
	}
	if strings.HasPrefix(mask.Service, "!") {
		return filter.Service != mask.Service[1:]
	}
	return filter.Service == mask.Service
}

func matchRest(mask, filter *Filter) bool {
	if mask.LocalName != "" {
		if filter.LocalName == "" {
			return false
		}
		if !matchLocalName(mask, filter.LocalName) {
			return false
		}
	}
	if mask.RemoteBits != 0 {
		if filter.RemoteBits == 0 {
			return false
		}
		if !inNetwork(filter.RemoteNet, mask.RemoteNet, mask.RemoteBits) {
			return false
		}
	}
	if mask.LocalBits != 0 {
		if filter.LocalBits == 0 {
			return false
		}
		if !inNetwork(filter.LocalNet, mask.LocalNet, mask.LocalBits) {
			return false
		}
	}
	return true
}

// Match reports whether filter (typically a concrete request) satisfies
// mask (typically a Fragment's predicate). It mirrors config_filter_match:
// service is checked first, then local name and subnet containment.
func Match(mask, filter *Filter) bool {
	return matchService(mask, filter) && matchRest(mask, filter)
}

// Equal reports whether two Filters describe the same predicate, mirroring
// config_filters_equal. LocalName is compared case-insensitively, as in
// the original's null_strcasecmp.
func Equal(f1, f2 *Filter) bool {
	if f1.Service != f2.Service {
		return false
	}
	if f1.RemoteBits != f2.RemoteBits || !f1.RemoteNet.Equal(f2.RemoteNet) {
		return false
	}
	if f1.LocalBits != f2.LocalBits || !f1.LocalNet.Equal(f2.LocalNet) {
		return false
	}
	return strings.EqualFold(f1.LocalName, f2.LocalName)
}

// isSuperset reports whether sup's predicate is already broad enough to
// cover everything filter matches, assuming both are known to match the
// same request. It mirrors config_filter_is_superset. The spec's open
// question about a diagnostic i_warning on the LocalName branch is
// resolved by dropping the warning and keeping the comparison result.
func isSuperset(sup, filter *Filter) bool {
	if sup.LocalBits > filter.LocalBits {
		return false
	}
	if sup.RemoteBits > filter.RemoteBits {
		return false
	}
	if sup.LocalName != "" && filter.LocalName == "" {
		return false
	}
	if sup.Service != "" && filter.Service == "" {
		return false
	}
	return true
}

// moreSpecific orders two filters from most to least specific, mirroring
// config_filter_parser_cmp: a named LocalName comes first, then larger
// LocalBits (a narrower local subnet), then larger RemoteBits, then a
// named Service.
func moreSpecific(f1, f2 *Filter) bool {
	if (f1.LocalName != "") != (f2.LocalName != "") {
		return f1.LocalName != ""
	}
	if f1.LocalBits != f2.LocalBits {
		return f1.LocalBits > f2.LocalBits
	}
	if f1.RemoteBits != f2.RemoteBits {
		return f1.RemoteBits > f2.RemoteBits
	}
	if (f1.Service != "") != (f2.Service != "") {
		return f1.Service != ""
	}
	return false
}
