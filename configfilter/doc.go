// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package configfilter selects and merges hierarchical configuration
// fragments keyed by network (local name, local/remote subnet) and service
// predicates.
//
// A Fragment carries a Filter (the predicate under which it applies) and a
// set of string-keyed settings. Given a concrete request Filter describing
// "who is asking" (a service name, a local name, a remote address),
// Select finds every Fragment whose Filter matches the request, orders
// them from most specific to least specific, and merges their settings so
// that a more specific fragment's value wins over a more general one's.
//
// Fragments are typically loaded from a YAML document via LoadFragments;
// the YAML format is a fixture format for this package, not a general
// configuration grammar.
package configfilter
