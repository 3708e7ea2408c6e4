// Package flagfile reads and writes per-coarse-channel flag files.
//
// A flag file starts with a 16 byte header of four little-endian uint32
// values: gpubox id, number of timesteps, number of antennas and number of
// fine channels. The body follows with one byte per cell, ordered by
// timestep, then baseline, then fine channel. Zero means unflagged, writers
// emit 1 for flagged and readers accept any non-zero value.
package flagfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"visflag/internal/models"
	"visflag/pkg/geometry"
)

// HeaderSize is the encoded size of a ChannelHeader in bytes.
const HeaderSize = 16

// maxCells bounds the body size a header may announce.
const maxCells = 1 << 32

var byteOrder = binary.LittleEndian

// ChannelHeader identifies the coarse channel a flag file belongs to and the
// dimensions of its body.
type ChannelHeader struct {
	GpuboxID     int
	NumTimesteps int
	NumAntennas  int
	NumChannels  int
}

// NumBaselines is derived from the antenna count.
func (h ChannelHeader) NumBaselines() int {
	return geometry.NumBaselines(h.NumAntennas)
}

// NumCells is the body length in bytes.
func (h ChannelHeader) NumCells() int {
	return h.NumTimesteps * h.NumBaselines() * h.NumChannels
}

func (h ChannelHeader) validate() error {
	for _, v := range []int{h.GpuboxID, h.NumTimesteps, h.NumAntennas, h.NumChannels} {
		if v < 0 || int64(v) > math.MaxUint32 {
			return fmt.Errorf("%w: header field %d out of range", models.ErrDimensionMismatch, v)
		}
	}
	if float64(h.NumTimesteps)*float64(h.NumAntennas)*float64(h.NumAntennas+1)/2*float64(h.NumChannels) > maxCells {
		return fmt.Errorf("%w: header announces %dx%dx%d cells", models.ErrDimensionMismatch,
			h.NumTimesteps, h.NumBaselines(), h.NumChannels)
	}
	return nil
}

// FlagFile is the decoded content of one flag file.
type FlagFile struct {
	Header ChannelHeader

	// Flags has Header.NumCells() bytes in (timestep, baseline, fine channel) order
	Flags []byte
}

// NewFlagFile allocates an unflagged file for a header.
func NewFlagFile(h ChannelHeader) *FlagFile {
	return &FlagFile{Header: h, Flags: make([]byte, h.NumCells())}
}

// Offset returns the body index of a cell.
func (f *FlagFile) Offset(timestep, baseline, fineChan int) int {
	return (timestep*f.Header.NumBaselines()+baseline)*f.Header.NumChannels + fineChan
}

// Flagged reports whether a cell is flagged.
func (f *FlagFile) Flagged(timestep, baseline, fineChan int) bool {
	return f.Flags[f.Offset(timestep, baseline, fineChan)] != 0
}

// BaselineMask rebuilds the mask of one baseline for this coarse channel:
// NumChannels rows by NumTimesteps columns.
func (f *FlagFile) BaselineMask(baseline int) *models.FlagMask {
	h := f.Header
	mask := models.NewFlagMask(h.NumTimesteps, h.NumChannels, 0)
	for ts := 0; ts < h.NumTimesteps; ts++ {
		for fine := 0; fine < h.NumChannels; fine++ {
			if f.Flagged(ts, baseline, fine) {
				mask.Set(fine, ts, true)
			}
		}
	}
	return mask
}

// Encode writes the header and body of f to w.
func Encode(w io.Writer, f *FlagFile) error {
	h := f.Header
	if err := h.validate(); err != nil {
		return err
	}
	if len(f.Flags) != h.NumCells() {
		return fmt.Errorf("%w: body has %d bytes, header implies %d",
			models.ErrDimensionMismatch, len(f.Flags), h.NumCells())
	}
	var buf [HeaderSize]byte
	byteOrder.PutUint32(buf[0:], uint32(h.GpuboxID))
	byteOrder.PutUint32(buf[4:], uint32(h.NumTimesteps))
	byteOrder.PutUint32(buf[8:], uint32(h.NumAntennas))
	byteOrder.PutUint32(buf[12:], uint32(h.NumChannels))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("failed to write flag header: %w", err)
	}
	if _, err := w.Write(f.Flags); err != nil {
		return fmt.Errorf("failed to write flag body: %w", err)
	}
	return nil
}

// Decode reads one flag file from r. The body must have exactly the length
// the header implies.
func Decode(r io.Reader) (*FlagFile, error) {
	h, err := DecodeHeader(r)
	if err != nil {
		return nil, err
	}
	return decodeBody(r, h)
}

// DecodeHeader reads and validates the 16 byte header, leaving r at the
// start of the body.
func DecodeHeader(r io.Reader) (ChannelHeader, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ChannelHeader{}, fmt.Errorf("%w: short flag header: %v", models.ErrDimensionMismatch, err)
	}
	h := ChannelHeader{
		GpuboxID:     int(byteOrder.Uint32(buf[0:])),
		NumTimesteps: int(byteOrder.Uint32(buf[4:])),
		NumAntennas:  int(byteOrder.Uint32(buf[8:])),
		NumChannels:  int(byteOrder.Uint32(buf[12:])),
	}
	if err := h.validate(); err != nil {
		return ChannelHeader{}, err
	}
	return h, nil
}

// decodeBody reads the body announced by h and checks nothing follows it.
// The buffer grows with the data actually present, so a header announcing
// more cells than the file holds costs no more than the file itself.
func decodeBody(r io.Reader, h ChannelHeader) (*FlagFile, error) {
	cells := h.NumCells()
	body, err := io.ReadAll(io.LimitReader(r, int64(cells)+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read flag body: %w", err)
	}
	switch {
	case len(body) < cells:
		return nil, fmt.Errorf("%w: flag body has %d bytes, header implies %d",
			models.ErrDimensionMismatch, len(body), cells)
	case len(body) > cells:
		return nil, fmt.Errorf("%w: trailing data after %d flag bytes", models.ErrDimensionMismatch, cells)
	}
	return &FlagFile{Header: h, Flags: body}, nil
}
