/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ctrl

import (
	"encoding/binary"
	"io"

	"github.com/friendsincode/fxcorr/internal/fxerr"
)

// DataBlockHeader precedes one slice's packed samples on a data stream.
// NBytes below the requested amount signals a short read at end of
// recording.
type DataBlockHeader struct {
	SliceNr   int32
	ChannelNr int32
	StreamNr  int32
	_         int32
	NBytes    int64
}

// WriteDataBlock frames one sample block onto a data stream.
func WriteDataBlock(w io.Writer, hdr DataBlockHeader, payload []byte) error {
	hdr.NBytes = int64(len(payload))
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fxerr.Resourcef("write data block header: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fxerr.Resourcef("write data block payload: %v", err)
	}
	return nil
}

// ReadDataBlock reads the next block header and payload.
func ReadDataBlock(r io.Reader) (DataBlockHeader, []byte, error) {
	var hdr DataBlockHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		if err == io.EOF {
			return hdr, nil, io.EOF
		}
		return hdr, nil, fxerr.Protocolf("read data block header: %v", err)
	}
	if hdr.NBytes < 0 {
		return hdr, nil, fxerr.Protocolf("negative data block size %d", hdr.NBytes)
	}
	payload := make([]byte, hdr.NBytes)
	if _, err := io.ReadFull(r, payload); err != nil {
		return hdr, nil, fxerr.Protocolf("read data block payload: %v", err)
	}
	return hdr, payload, nil
}
