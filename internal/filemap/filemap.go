// Package filemap maps pieces of a torrent onto regions of the files in the torrent.
package filemap

import "errors"

// ErrOutOfRange is returned when a block does not fit in its piece.
var ErrOutOfRange = errors.New("block out of piece range")

// File in the torrent. Path is relative to the storage root.
type File struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

// Segment is the part of a piece that lies in a single file.
type Segment struct {
	FileIndex   int    `json:"file_index"`
	Path        string `json:"path"`
	FileOffset  int64  `json:"file_offset"`
	PieceOffset uint32 `json:"piece_offset"`
	Length      uint32 `json:"length"`
}

// Region is the part of a block that lies in a single file.
type Region struct {
	FileIndex  int
	Path       string
	FileOffset int64
	DataOffset uint32 // offset in block data
	Length     uint32
}

// FileMap is an immutable partition of the torrent's byte stream across its files.
type FileMap struct {
	PieceLength uint32      `json:"piece_length"`
	TotalLength int64       `json:"total_length"`
	Files       []File      `json:"files"`
	Pieces      [][]Segment `json:"pieces"`
}

// New builds the map by assigning successive pieces to successive file ranges.
func New(pieceLength uint32, files []File) *FileMap {
	m := &FileMap{PieceLength: pieceLength, Files: files}
	for _, f := range files {
		m.TotalLength += f.Length
	}
	if pieceLength == 0 {
		return m
	}
	numPieces := (m.TotalLength + int64(pieceLength) - 1) / int64(pieceLength)
	m.Pieces = make([][]Segment, numPieces)

	var (
		fileIndex  int
		fileOffset int64
	)
	for i := range m.Pieces {
		left := m.PieceLengthOf(uint32(i))
		var pieceOffset uint32
		for left > 0 {
			f := files[fileIndex]
			fileLeft := f.Length - fileOffset
			if fileLeft == 0 {
				fileIndex++
				fileOffset = 0
				continue
			}
			n := uint32(min(int64(left), fileLeft))
			m.Pieces[i] = append(m.Pieces[i], Segment{
				FileIndex:   fileIndex,
				Path:        f.Path,
				FileOffset:  fileOffset,
				PieceOffset: pieceOffset,
				Length:      n,
			})
			left -= n
			pieceOffset += n
			fileOffset += int64(n)
		}
	}
	return m
}

// NumPieces returns the number of pieces.
func (m *FileMap) NumPieces() uint32 {
	return uint32(len(m.Pieces))
}

// PieceLengthOf returns the length of piece at index. The last piece may be shorter.
func (m *FileMap) PieceLengthOf(index uint32) uint32 {
	start := int64(index) * int64(m.PieceLength)
	if start >= m.TotalLength {
		return 0
	}
	return uint32(min(int64(m.PieceLength), m.TotalLength-start))
}

// Segments returns the file segments of the piece at index.
func (m *FileMap) Segments(index uint32) []Segment {
	if index >= m.NumPieces() {
		return nil
	}
	return m.Pieces[index]
}

// BlockRegions resolves a block to file regions by intersecting it with the piece's segments.
func (m *FileMap) BlockRegions(index, begin, length uint32) ([]Region, error) {
	if index >= m.NumPieces() || uint64(begin)+uint64(length) > uint64(m.PieceLengthOf(index)) {
		return nil, ErrOutOfRange
	}
	end := begin + length
	var ret []Region
	for _, s := range m.Pieces[index] {
		segEnd := s.PieceOffset + s.Length
		lo := max(begin, s.PieceOffset)
		hi := min(end, segEnd)
		if lo >= hi {
			continue
		}
		ret = append(ret, Region{
			FileIndex:  s.FileIndex,
			Path:       s.Path,
			FileOffset: s.FileOffset + int64(lo-s.PieceOffset),
			DataOffset: lo - begin,
			Length:     hi - lo,
		})
	}
	return ret, nil
}
