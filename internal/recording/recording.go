/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package recording reads station recordings from disk. A recording is one
// file or an ordered list of files treated as a single concatenated byte
// stream. Only forward movement is supported; the correlation pipeline never
// seeks backwards.
package recording

import (
	"fmt"
	"io"
	"os"

	"github.com/friendsincode/fxcorr/internal/fxerr"
)

// Source is a forward-only byte source over a recording.
type Source struct {
	paths   []string
	file    *os.File
	index   int
	offset  int64 // bytes consumed across all files
	eof     bool
	scratch [64 * 1024]byte
}

// Open opens a recording consisting of the given files in order.
func Open(paths ...string) (*Source, error) {
	if len(paths) == 0 {
		return nil, fxerr.Resourcef("recording has no files")
	}
	s := &Source{paths: paths}
	if err := s.next(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Source) next() error {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if s.index >= len(s.paths) {
		s.eof = true
		return nil
	}
	f, err := os.Open(s.paths[s.index])
	if err != nil {
		return fxerr.Resourcef("open recording file %s: %v", s.paths[s.index], err)
	}
	s.file = f
	s.index++
	return nil
}

// Read fills p as far as possible, rolling over file boundaries. It returns
// io.EOF only once the last file is exhausted.
func (s *Source) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if s.eof {
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}
		n, err := s.file.Read(p[total:])
		total += n
		s.offset += int64(n)
		if err == io.EOF {
			if err := s.next(); err != nil {
				return total, err
			}
			continue
		}
		if err != nil {
			return total, fmt.Errorf("read recording: %w", err)
		}
	}
	return total, nil
}

// ReadFull fills p exactly or fails.
func (s *Source) ReadFull(p []byte) error {
	if _, err := io.ReadFull(s, p); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return err
	}
	return nil
}

// Skip advances n bytes without delivering them. Seeks within the current
// file where possible, reads and discards across boundaries.
func (s *Source) Skip(n int64) error {
	for n > 0 && !s.eof {
		pos, err := s.file.Seek(0, io.SeekCurrent)
		if err == nil {
			end, serr := s.file.Seek(0, io.SeekEnd)
			if serr == nil {
				remain := end - pos
				if n <= remain {
					if _, err := s.file.Seek(pos+n, io.SeekStart); err != nil {
						return fmt.Errorf("seek recording: %w", err)
					}
					s.offset += n
					return nil
				}
				if _, err := s.file.Seek(end, io.SeekStart); err != nil {
					return fmt.Errorf("seek recording: %w", err)
				}
				s.offset += remain
				n -= remain
				if err := s.next(); err != nil {
					return err
				}
				continue
			}
		}
		chunk := int64(len(s.scratch))
		if n < chunk {
			chunk = n
		}
		read, rerr := s.Read(s.scratch[:chunk])
		n -= int64(read)
		if rerr == io.EOF {
			return io.EOF
		}
		if rerr != nil {
			return rerr
		}
	}
	if n > 0 {
		return io.EOF
	}
	return nil
}

// Offset returns the number of bytes consumed so far.
func (s *Source) Offset() int64 { return s.offset }

// EOF reports whether the stream is exhausted.
func (s *Source) EOF() bool { return s.eof }

// Close releases the underlying file.
func (s *Source) Close() error {
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}
