// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package configfilter

import (
	"fmt"
	"net"
	"sort"

	yaml "gopkg.in/yaml.v2"

	"mailbox.dev/txlog/errors"
)

// Fragment is one filtered block of settings, the way a `local_name "..."  {
// ... }` block in a dovecot-style configuration file contributes one
// config_filter_parser. FileAndLine identifies where the fragment came
// from, for conflict reporting.
type Fragment struct {
	Filter      Filter
	Settings    map[string]string
	FileAndLine string
}

// ConflictError reports that two matching fragments set the same key to
// different values and neither is a superset of the other, mirroring the
// "Conflict in setting %s found from filter at %s" error produced by
// config_module_parser_apply_changes.
type ConflictError struct {
	Key         string
	FileAndLine string
}

func (c *ConflictError) Error() string {
	return fmt.Sprintf("conflict in setting %q found from filter at %s", c.Key, c.FileAndLine)
}

// Select finds every fragment whose Filter matches request, orders them
// from most specific to least specific (per moreSpecific), and merges
// their Settings so a more specific fragment's value wins over a more
// general one's. It mirrors config_filter_parsers_get: the most specific
// match seeds the result, and each looser match may only contribute keys
// the result doesn't already have, unless it is a superset of its
// immediate predecessor (in which case a same-key mismatch is tolerated
// rather than reported).
//
// Select returns a nil map with no error if nothing matches.
func Select(fragments []*Fragment, request *Filter) (map[string]string, error) {
	matches := make([]*Fragment, 0, len(fragments))
	for _, f := range fragments {
		if Match(&f.Filter, request) {
			matches = append(matches, f)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return moreSpecific(&matches[i].Filter, &matches[j].Filter)
	})

	merged := make(map[string]string, len(matches[0].Settings))
	for k, v := range matches[0].Settings {
		merged[k] = v
	}

	for i := 1; i < len(matches); i++ {
		suppress := isSuperset(&matches[i].Filter, &matches[i-1].Filter)
		for k, v := range matches[i].Settings {
			existing, ok := merged[k]
			if !ok {
				merged[k] = v
				continue
			}
			if existing != v && !suppress {
				return nil, &ConflictError{Key: k, FileAndLine: matches[i].FileAndLine}
			}
		}
	}
	return merged, nil
}

// fragmentDoc and fragmentYAML mirror the on-disk YAML fixture format:
//
//	fragments:
//	  - service: imap
//	    local_name: "mail.example.com example.com"
//	    local_net: 10.0.0.0/8
//	    settings:
//	      mail_location: maildir:~/Maildir
//	    file: dovecot.conf
//	    line: 42
type fragmentDoc struct {
	Fragments []fragmentYAML `yaml:"fragments"`
}

type fragmentYAML struct {
	Service   string            `yaml:"service"`
	LocalName string            `yaml:"local_name"`
	LocalNet  string            `yaml:"local_net"`
	RemoteNet string            `yaml:"remote_net"`
	Settings  map[string]string `yaml:"settings"`
	File      string            `yaml:"file"`
	Line      int               `yaml:"line"`
}

// LoadFragments parses a YAML document of fragments (see fragmentDoc) into
// Fragment values, resolving local_net/remote_net CIDR strings into the
// Filter's network/bits pair.
func LoadFragments(doc []byte) ([]*Fragment, error) {
	const op = errors.Op("configfilter.LoadFragments")

	var parsed fragmentDoc
	if err := yaml.Unmarshal(doc, &parsed); err != nil {
		return nil, errors.E(op, errors.Syntax, err)
	}

	fragments := make([]*Fragment, 0, len(parsed.Fragments))
	for _, raw := range parsed.Fragments {
		f := &Fragment{
			Filter: Filter{
				Service:   raw.Service,
				LocalName: raw.LocalName,
			},
			Settings:    raw.Settings,
			FileAndLine: fmt.Sprintf("%s:%d", raw.File, raw.Line),
		}
		if raw.LocalNet != "" {
			ip, bits, err := parseCIDR(raw.LocalNet)
			if err != nil {
				return nil, errors.E(op, errors.Syntax, err)
			}
			f.Filter.LocalNet, f.Filter.LocalBits = ip, bits
		}
		if raw.RemoteNet != "" {
			ip, bits, err := parseCIDR(raw.RemoteNet)
			if err != nil {
				return nil, errors.E(op, errors.Syntax, err)
			}
			f.Filter.RemoteNet, f.Filter.RemoteBits = ip, bits
		}
		fragments = append(fragments, f)
	}
	return fragments, nil
}

func parseCIDR(s string) (net.IP, int, error) {
	ip, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, 0, err
	}
	bits, _ := ipnet.Mask.Size()
	return ip, bits, nil
}
