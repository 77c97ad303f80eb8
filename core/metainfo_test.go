package core

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmoreau/gobt/bencode"
)

func TestParseMetainfoSingleFile(t *testing.T) {
	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte(i)
	}
	mi, err := BuildMetainfo(BuildOptions{
		Name:        "test.txt",
		PieceLength: 16384,
		Files:       []BuildFile{{Content: content}},
		Announce:    "http://tracker.example.com/announce",
	})
	require.NoError(t, err)

	info := mi.Info()
	assert.Equal(t, 1, info.NumPieces())
	assert.EqualValues(t, 1000, info.ActualPieceLength(0))
	assert.EqualValues(t, 1000, info.TotalLength())

	segs := info.FilesForPiece(0)
	require.Len(t, segs, 1)
	assert.Equal(t, FileSegment{FileIndex: 0, FileOffset: 0, PieceOffset: 0, Length: 1000}, segs[0])

	sum := sha1.Sum(content)
	assert.Equal(t, sum[:], info.PieceHash(0))

	// Re-encoding the recovered info dictionary must reproduce the same
	// info hash (spec §8 invariant 1).
	top, _, err := bencode.Decode(mi.Raw())
	require.NoError(t, err)
	assert.Equal(t, mi.InfoHash(), ComputeInfoHash(bencode.Encode(top.Get("info"))))
	reparsed, err := ParseMetainfo(mi.Raw())
	require.NoError(t, err)
	assert.Equal(t, mi.InfoHash(), reparsed.InfoHash())
}

func TestParseMetainfoMultiPieceBoundary(t *testing.T) {
	mi := SingleFileMetainfoFixture(50000, 16384)
	info := mi.Info()
	require.Equal(t, 4, info.NumPieces())
	assert.EqualValues(t, 50000-3*16384, info.ActualPieceLength(3))
}

func TestFilesForPieceSpansTwoFiles(t *testing.T) {
	a := make([]byte, 10000)
	b := make([]byte, 10000)
	mi, err := BuildMetainfo(BuildOptions{
		Name:        "multi",
		PieceLength: 16384,
		Files: []BuildFile{
			{Path: []string{"a"}, Content: a},
			{Path: []string{"b"}, Content: b},
		},
		Announce: "http://tracker.example.com/announce",
	})
	require.NoError(t, err)
	info := mi.Info()

	segs0 := info.FilesForPiece(0)
	require.Len(t, segs0, 2)
	assert.Equal(t, FileSegment{FileIndex: 0, FileOffset: 0, PieceOffset: 0, Length: 10000}, segs0[0])
	assert.Equal(t, FileSegment{FileIndex: 1, FileOffset: 0, PieceOffset: 10000, Length: 6384}, segs0[1])

	segs1 := info.FilesForPiece(1)
	require.Len(t, segs1, 1)
	assert.Equal(t, FileSegment{FileIndex: 1, FileOffset: 6384, PieceOffset: 0, Length: 3616}, segs1[0])

	for i := 0; i < info.NumPieces(); i++ {
		var total int64
		for _, s := range info.FilesForPiece(i) {
			total += s.Length
		}
		assert.Equal(t, info.ActualPieceLength(i), total)
	}
}

func TestParseMetainfoRejectsBadPaths(t *testing.T) {
	for _, bad := range [][]string{{".."}, {"."}, {""}, {"a/b"}, {"a\\b"}} {
		_, err := BuildMetainfo(BuildOptions{
			Name:        "multi",
			PieceLength: 16384,
			Files:       []BuildFile{{Path: bad, Content: []byte("x")}},
		})
		assert.Error(t, err, bad)
	}
}

func TestParseMetainfoRejectsPieceCountMismatch(t *testing.T) {
	mi := SingleFileMetainfoFixture(1000, 16384)
	info := mi.Info()
	corrupt := append([]byte{}, info.Pieces...)
	corrupt = append(corrupt, corrupt[:20]...) // extra bogus piece hash

	_, err := BuildMetainfo(BuildOptions{
		Name:        "x",
		PieceLength: 16384,
		Files:       []BuildFile{{Content: make([]byte, 1000)}},
	})
	require.NoError(t, err) // sanity: the unmodified build still succeeds

	bad := *info
	bad.Pieces = corrupt
	assert.Greater(t, bad.NumPieces(), info.NumPieces())

	infoDict := bencode.NewDict()
	infoDict.Set("name", bencode.NewString([]byte("x")))
	infoDict.Set("piece length", bencode.NewInt(16384))
	infoDict.Set("pieces", bencode.NewString(corrupt))
	infoDict.Set("length", bencode.NewInt(1000))
	top := bencode.NewDict()
	top.Set("info", infoDict)
	_, err = ParseMetainfo(bencode.Encode(top))
	var metaErr *MetadataError
	assert.ErrorAs(t, err, &metaErr)
}

func TestAnnounceTiersFallback(t *testing.T) {
	mi := SingleFileMetainfoFixture(100, 16384)
	tiers := mi.AnnounceTiers()
	require.Len(t, tiers, 1)
	assert.Equal(t, []string{"http://tracker.example.com/announce"}, tiers[0])
}
