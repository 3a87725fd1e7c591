// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package workers

import (
	"io"
	"os"
)

// secureDelete overwrites path's contents with zeros before unlinking
// it, so a tombstoned packet doesn't linger recoverable on disk (spec
// §4.5). A single overwrite pass is what the spec's cleaning thread
// does; defeating block-level wear-leveling or SSD remapping is out
// of scope.
func secureDelete(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	if size > 0 {
		zeros := make([]byte, 32*1024)
		var written int64
		for written < size {
			n := int64(len(zeros))
			if remaining := size - written; remaining < n {
				n = remaining
			}
			if _, err := f.Write(zeros[:n]); err != nil {
				f.Close()
				return err
			}
			written += n
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
