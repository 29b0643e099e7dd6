package metainfo

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cenkalti/drizzle/internal/filemap"
	"github.com/zeebo/bencode"
)

var (
	errInvalidPieceData = errors.New("invalid piece data")
	errZeroPieceLength  = errors.New("torrent has zero piece length")
	errZeroPieces       = errors.New("torrent has zero pieces")
)

// Info contains information about torrent.
type Info struct {
	PieceLength uint32     `bencode:"piece length" json:"piece_length"`
	Pieces      []byte     `bencode:"pieces" json:"pieces"`
	Name        string     `bencode:"name" json:"name"`
	Length      int64      `bencode:"length" json:"length"` // Single File Mode
	Files       []FileDict `bencode:"files" json:"files"`   // Multiple File mode

	// Calculated fileds
	Hash        [20]byte `bencode:"-" json:"-"`
	TotalLength int64    `bencode:"-" json:"-"`
	NumPieces   uint32   `bencode:"-" json:"-"`
	Bytes       []byte   `bencode:"-" json:"-"`
}

// FileDict is an entry of the files list in a multi file torrent.
type FileDict struct {
	Length int64    `bencode:"length" json:"length"`
	Path   []string `bencode:"path" json:"path"`
}

// NewInfo returns info from bencoded bytes in b.
func NewInfo(b []byte) (*Info, error) {
	var i Info
	if err := bencode.DecodeBytes(b, &i); err != nil {
		return nil, err
	}
	if i.PieceLength == 0 {
		return nil, errZeroPieceLength
	}
	if uint32(len(i.Pieces))%sha1.Size != 0 {
		return nil, errInvalidPieceData
	}
	if len(i.Pieces) == 0 {
		return nil, errZeroPieces
	}
	// ".." is not allowed in file names
	for _, file := range i.Files {
		for _, path := range file.Path {
			if strings.TrimSpace(path) == ".." {
				return nil, fmt.Errorf("invalid file name: %q", filepath.Join(file.Path...))
			}
		}
	}
	if strings.TrimSpace(i.Name) == ".." {
		return nil, fmt.Errorf("invalid torrent name: %q", i.Name)
	}
	i.NumPieces = uint32(len(i.Pieces)) / sha1.Size
	if !i.MultiFile() {
		i.TotalLength = i.Length
	} else {
		for _, f := range i.Files {
			i.TotalLength += f.Length
		}
	}
	totalPieceDataLength := int64(i.PieceLength) * int64(i.NumPieces)
	delta := totalPieceDataLength - i.TotalLength
	if delta >= int64(i.PieceLength) || delta < 0 {
		return nil, errInvalidPieceData
	}
	i.Bytes = b
	hash := sha1.New()   // nolint: gosec
	_, _ = hash.Write(b) // nolint: gosec
	copy(i.Hash[:], hash.Sum(nil))
	return &i, nil
}

// MultiFile returns true if the torrent has a files list.
func (i *Info) MultiFile() bool {
	return len(i.Files) != 0
}

// HashOf returns the expected SHA-1 of the piece at index.
func (i *Info) HashOf(index uint32) (h [20]byte) {
	begin := index * sha1.Size
	copy(h[:], i.Pieces[begin:begin+sha1.Size])
	return
}

// PieceLengthOf returns the length of the piece at index. The last piece may be shorter.
func (i *Info) PieceLengthOf(index uint32) uint32 {
	if index == i.NumPieces-1 {
		if rem := i.TotalLength - int64(i.PieceLength)*int64(i.NumPieces-1); rem > 0 {
			return uint32(rem)
		}
	}
	return i.PieceLength
}

// GetFiles returns the files in torrent as a slice, even if there is a single file.
func (i *Info) GetFiles() []FileDict {
	if i.MultiFile() {
		return i.Files
	}
	return []FileDict{{i.Length, []string{i.Name}}}
}

// FileList returns the files with paths relative to the storage root.
// Files of a multi file torrent are placed under a directory named after the torrent.
func (i *Info) FileList() []filemap.File {
	files := i.GetFiles()
	ret := make([]filemap.File, len(files))
	for j, f := range files {
		p := filepath.Join(f.Path...)
		if i.MultiFile() {
			p = filepath.Join(i.Name, p)
		}
		ret[j] = filemap.File{Path: p, Length: f.Length}
	}
	return ret
}

// NewInfoBytes hashes the concatenated content of files read from r and returns a bencoded info dict.
// A single file with an empty path is encoded in single file mode.
func NewInfoBytes(name string, pieceLength uint32, files []FileDict, r io.Reader) ([]byte, error) {
	if pieceLength == 0 {
		return nil, errZeroPieceLength
	}
	var total int64
	for _, f := range files {
		total += f.Length
	}
	var pieces []byte
	buf := make([]byte, pieceLength)
	for remaining := total; remaining > 0; {
		n := min(int64(pieceLength), remaining)
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return nil, err
		}
		sum := sha1.Sum(buf[:n]) // nolint: gosec
		pieces = append(pieces, sum[:]...)
		remaining -= n
	}
	info := map[string]interface{}{
		"name":         name,
		"piece length": pieceLength,
		"pieces":       pieces,
	}
	if len(files) == 1 && len(files[0].Path) == 0 {
		info["length"] = files[0].Length
	} else {
		info["files"] = files
	}
	return bencode.EncodeBytes(info)
}
