package swarm

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"depot/internal/apierror"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

// PieceLength is the piece size used for locally created descriptors.
const PieceLength = 256 << 10

// pieceHashSize is the length of one SHA-1 piece hash in Info.Pieces.
const pieceHashSize = 20

// Descriptor identifies a single-file payload in the swarm.
type Descriptor struct {
	InfoHash    string
	Name        string
	Size        int64
	PieceLength int
	Pieces      int
}

// NewDescriptor derives the BitTorrent v1 identity of data published under
// name: the SHA-1 of the bencoded info dictionary.
func NewDescriptor(name string, data []byte) (Descriptor, error) {
	info := metainfo.Info{
		Name:        name,
		Length:      int64(len(data)),
		PieceLength: PieceLength,
	}
	err := info.GeneratePieces(func(metainfo.FileInfo) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("hash pieces: %w", err)
	}

	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return Descriptor{}, fmt.Errorf("encode info: %w", err)
	}
	mi := metainfo.MetaInfo{InfoBytes: infoBytes}

	return Descriptor{
		InfoHash:    mi.HashInfoBytes().HexString(),
		Name:        name,
		Size:        info.Length,
		PieceLength: PieceLength,
		Pieces:      len(info.Pieces) / pieceHashSize,
	}, nil
}

// Magnet returns the magnet URI of d.
func (d Descriptor) Magnet() Magnet {
	return Magnet{InfoHash: d.InfoHash, Name: d.Name, Size: d.Size}
}

// Magnet is a parsed magnet URI.
type Magnet struct {
	InfoHash string
	Name     string
	// Size is the exact length advertised by xl, or zero.
	Size     int64
	Trackers []string
}

// String renders m as a magnet URI. The exact topic comes first.
func (m Magnet) String() string {
	var h metainfo.Hash
	if err := h.FromHexString(m.InfoHash); err != nil {
		// Magnets are only built from validated infohashes.
		return "magnet:?xt=urn:btih:" + m.InfoHash
	}

	mag := metainfo.Magnet{
		InfoHash:    h,
		DisplayName: m.Name,
		Trackers:    m.Trackers,
	}
	if m.Size > 0 {
		mag.Params = url.Values{"xl": {strconv.FormatInt(m.Size, 10)}}
	}
	return mag.String()
}

// ParseMagnet accepts a magnet URI with a urn:btih exact topic in hex or
// base32 form, or a bare 40 character hex infohash.
func ParseMagnet(uri string) (Magnet, error) {
	uri = strings.TrimSpace(uri)
	if IsInfoHash(uri) {
		return Magnet{InfoHash: strings.ToLower(uri)}, nil
	}
	if !strings.HasPrefix(uri, "magnet:?") {
		return Magnet{}, apierror.ErrInvalidDescriptor.WithMessage("Descriptor is neither a magnet URI nor an infohash.")
	}

	mag, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return Magnet{}, apierror.ErrInvalidDescriptor.WithMessage(fmt.Sprintf("Magnet URI is invalid: %v.", err))
	}

	m := Magnet{
		InfoHash: mag.InfoHash.HexString(),
		Name:     mag.DisplayName,
		Trackers: mag.Trackers,
	}
	if xl := mag.Params.Get("xl"); xl != "" {
		size, err := strconv.ParseInt(xl, 10, 64)
		if err != nil || size < 0 {
			return Magnet{}, apierror.ErrInvalidDescriptor.WithMessage("Magnet exact length is malformed.")
		}
		m.Size = size
	}
	return m, nil
}

// IsInfoHash reports whether s is a 40 character hex string.
func IsInfoHash(s string) bool {
	if len(s) != 40 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
