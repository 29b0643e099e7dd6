package metainfo

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"path/filepath"
	"testing"

	"github.com/cenkalti/drizzle/internal/filemap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func TestSingleFile(t *testing.T) {
	data := bytes.Repeat([]byte("drizzle"), 10) // 70 bytes
	info, err := NewInfoBytes("file.bin", 32, []FileDict{{Length: 70}}, bytes.NewReader(data))
	require.NoError(t, err)
	b, err := NewBytes(info, [][]string{{"http://tracker.example.com/announce"}}, "")
	require.NoError(t, err)

	mi, err := New(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, "file.bin", mi.Info.Name)
	assert.False(t, mi.Info.MultiFile())
	assert.Equal(t, int64(70), mi.Info.TotalLength)
	assert.Equal(t, uint32(3), mi.Info.NumPieces)
	assert.Equal(t, uint32(32), mi.Info.PieceLengthOf(0))
	assert.Equal(t, uint32(6), mi.Info.PieceLengthOf(2))
	assert.Equal(t, [20]byte(sha1.Sum(data[64:])), mi.Info.HashOf(2)) // nolint: gosec
	assert.Equal(t, [20]byte(sha1.Sum(info)), mi.Info.Hash)           // nolint: gosec
	assert.Equal(t, []string{"http://tracker.example.com/announce"}, mi.Trackers())
	assert.Equal(t, []filemap.File{{Path: "file.bin", Length: 70}}, mi.Info.FileList())
}

func TestMultiFile(t *testing.T) {
	files := []FileDict{
		{Length: 100, Path: []string{"a", "one"}},
		{Length: 50, Path: []string{"two"}},
	}
	info, err := NewInfoBytes("dir", 120, files, bytes.NewReader(make([]byte, 150)))
	require.NoError(t, err)
	b, err := NewBytes(info, [][]string{
		{"http://t1/announce", "udp://t2:80", "wss://t4/announce"},
		{"http://t3/announce", "http://t1/announce"},
	}, "comment")
	require.NoError(t, err)

	mi, err := New(bytes.NewReader(b))
	require.NoError(t, err)
	assert.True(t, mi.Info.MultiFile())
	assert.Equal(t, int64(150), mi.Info.TotalLength)
	assert.Equal(t, uint32(2), mi.Info.NumPieces)
	assert.Equal(t, []string{"http://t1/announce", "udp://t2:80", "http://t3/announce"}, mi.Trackers())
	assert.Equal(t, []filemap.File{
		{Path: filepath.Join("dir", "a", "one"), Length: 100},
		{Path: filepath.Join("dir", "two"), Length: 50},
	}, mi.Info.FileList())
}

func TestInvalidInfo(t *testing.T) {
	encode := func(v map[string]interface{}) []byte {
		b, err := bencode.EncodeBytes(v)
		require.NoError(t, err)
		return b
	}
	cases := map[string][]byte{
		"short pieces": encode(map[string]interface{}{
			"name": "x", "piece length": 16, "pieces": make([]byte, 19), "length": 10,
		}),
		"too many pieces": encode(map[string]interface{}{
			"name": "x", "piece length": 16, "pieces": make([]byte, 40), "length": 10,
		}),
		"too few pieces": encode(map[string]interface{}{
			"name": "x", "piece length": 16, "pieces": make([]byte, 20), "length": 40,
		}),
		"dot dot": encode(map[string]interface{}{
			"name": "x", "piece length": 16, "pieces": make([]byte, 20),
			"files": []map[string]interface{}{{"length": 10, "path": []string{"..", "etc"}}},
		}),
		"zero piece length": encode(map[string]interface{}{
			"name": "x", "piece length": 0, "pieces": make([]byte, 20), "length": 10,
		}),
	}
	for name, b := range cases {
		_, err := NewInfo(b)
		assert.Error(t, err, name)
	}
}

func TestNoInfo(t *testing.T) {
	b, err := bencode.EncodeBytes(map[string]interface{}{"announce": "http://t/announce"})
	require.NoError(t, err)
	_, err = New(bytes.NewReader(b))
	assert.Error(t, err)
}
