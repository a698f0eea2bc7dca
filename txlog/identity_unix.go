// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package txlog

import (
	"os"
	"syscall"
)

// fileIdentity extracts (st_dev, st_ino) from an os.FileInfo, the pair
// refresh compares to detect that another process has rotated the
// canonical path out from under us.
func fileIdentity(fi os.FileInfo) (dev, ino uint64) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return uint64(st.Dev), uint64(st.Ino)
}
