package core

import (
	"crypto/rand"
	"crypto/sha1"

	"github.com/dmoreau/gobt/bencode"
)

// PeerIDFixture returns a randomly generated PeerID.
func PeerIDFixture() PeerID {
	p, err := GeneratePeerID()
	if err != nil {
		panic(err)
	}
	return p
}

// InfoHashFixture returns a randomly generated InfoHash.
func InfoHashFixture() InfoHash {
	var b [32]byte
	rand.Read(b[:])
	return ComputeInfoHash(b[:])
}

// SingleFileMetainfoFixture builds a valid single-file Metainfo with the
// given total length and piece length, filled with random content hashes.
// It is deterministic in shape but not in piece hash content -- callers
// that need hashes to match real bytes should build content themselves and
// call BuildMetainfo.
func SingleFileMetainfoFixture(totalLength, pieceLength int64) *Metainfo {
	content := make([]byte, totalLength)
	rand.Read(content)
	mi, err := BuildMetainfo(BuildOptions{
		Name:        "fixture.bin",
		PieceLength: pieceLength,
		Files:       []BuildFile{{Path: nil, Content: content}},
		Announce:    "http://tracker.example.com/announce",
	})
	if err != nil {
		panic(err)
	}
	return mi
}

// MultiFileMetainfoFixture builds a valid multi-file Metainfo from the
// given file contents, keyed by relative path.
func MultiFileMetainfoFixture(pieceLength int64, files map[string][]byte) *Metainfo {
	var bfiles []BuildFile
	for path, content := range files {
		bfiles = append(bfiles, BuildFile{Path: []string{path}, Content: content})
	}
	mi, err := BuildMetainfo(BuildOptions{
		Name:        "fixture-dir",
		PieceLength: pieceLength,
		Files:       bfiles,
		Announce:    "http://tracker.example.com/announce",
	})
	if err != nil {
		panic(err)
	}
	return mi
}

// BuildFile is one file's worth of content to be assembled into a torrent
// by BuildMetainfo.
type BuildFile struct {
	Path    []string // nil for a single-file torrent
	Content []byte
}

// BuildOptions configures BuildMetainfo.
type BuildOptions struct {
	Name         string
	PieceLength  int64
	Files        []BuildFile
	Announce     string
	AnnounceList [][]string
	Private      bool
}

// BuildMetainfo assembles a Metainfo (and its bencoded form) from literal
// file contents, computing real piece SHA-1 hashes over the concatenated
// bytes. It exists for tests and for any future "create torrent" tooling;
// it is the inverse of ParseMetainfo.
func BuildMetainfo(opts BuildOptions) (*Metainfo, error) {
	var all []byte
	for _, f := range opts.Files {
		all = append(all, f.Content...)
	}

	var pieces []byte
	for off := int64(0); off < int64(len(all)) || len(all) == 0; off += opts.PieceLength {
		end := off + opts.PieceLength
		if end > int64(len(all)) {
			end = int64(len(all))
		}
		sum := sha1.Sum(all[off:end])
		pieces = append(pieces, sum[:]...)
		if end == int64(len(all)) {
			break
		}
	}

	infoDict := bencode.NewDict()
	infoDict.Set("name", bencode.NewString([]byte(opts.Name)))
	infoDict.Set("piece length", bencode.NewInt(opts.PieceLength))
	infoDict.Set("pieces", bencode.NewString(pieces))
	if opts.Private {
		infoDict.Set("private", bencode.NewInt(1))
	}

	if len(opts.Files) == 1 && opts.Files[0].Path == nil {
		infoDict.Set("length", bencode.NewInt(int64(len(opts.Files[0].Content))))
	} else {
		fileList := bencode.NewList()
		for _, f := range opts.Files {
			fd := bencode.NewDict()
			fd.Set("length", bencode.NewInt(int64(len(f.Content))))
			pathItems := make([]*bencode.Value, len(f.Path))
			for i, p := range f.Path {
				pathItems[i] = bencode.NewString([]byte(p))
			}
			fd.Set("path", bencode.NewList(pathItems...))
			fileList.List = append(fileList.List, fd)
		}
		infoDict.Set("files", fileList)
	}

	top := bencode.NewDict()
	top.Set("info", infoDict)
	if opts.Announce != "" {
		top.Set("announce", bencode.NewString([]byte(opts.Announce)))
	}
	if len(opts.AnnounceList) > 0 {
		tiers := bencode.NewList()
		for _, tier := range opts.AnnounceList {
			items := make([]*bencode.Value, len(tier))
			for i, u := range tier {
				items[i] = bencode.NewString([]byte(u))
			}
			tiers.List = append(tiers.List, bencode.NewList(items...))
		}
		top.Set("announce-list", tiers)
	}

	raw := bencode.Encode(top)
	return ParseMetainfo(raw)
}
