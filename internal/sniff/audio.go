package sniff

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/exp/slices"
)

type Sniffer interface {
	Sniff(header []byte) bool
}

type extSniffer struct {
	ext     string
	sniffer Sniffer
}

// audioSniffers 顺序很重要：有明确魔数的格式先判断，MP3 帧同步容易误判放在最后
var audioSniffers = []extSniffer{
	{".flac", prefixSniffer("fLaC")}, // ref: https://xiph.org/flac/format.html
	{".ogg", prefixSniffer("OggS")},
	{".wav", prefixSniffer("RIFF")},
	{".dff", prefixSniffer("FRM8")}, // DSDIFF
	// ref: https://www.loc.gov/preservation/digital/formats/fdd/fdd000027.shtml
	{".wma", prefixSniffer{
		0x30, 0x26, 0xb2, 0x75, 0x8e, 0x66, 0xcf, 0x11,
		0xa6, 0xd9, 0x00, 0xaa, 0x00, 0x62, 0xce, 0x6c,
	}},
	{".m4a", m4aSniffer{}},
	{".mp4", mpeg4Sniffer{}},
	{".mp3", mp3Sniffer{}},
}

// AudioExtension sniffs the known audio types, and returns the file extension.
// header is recommended to at least 16 bytes.
func AudioExtension(header []byte) (string, bool) {
	for _, s := range audioSniffers {
		if s.sniffer.Sniff(header) {
			return s.ext, true
		}
	}
	return "", false
}

// AudioExtensionWithFallback is equivalent to AudioExtension, but returns fallback
// most likely to use .mp3 as fallback, because mp3 files may not have ID3v2 tag.
func AudioExtensionWithFallback(header []byte, fallback string) string {
	ext, ok := AudioExtension(header)
	if !ok {
		return fallback
	}
	return ext
}

type prefixSniffer []byte

func (s prefixSniffer) Sniff(header []byte) bool {
	return bytes.HasPrefix(header, s)
}

type m4aSniffer struct{}

func (m4aSniffer) Sniff(header []byte) bool {
	box := readMpeg4FtypBox(header)
	if box == nil {
		return false
	}

	return box.majorBrand == "M4A " || slices.Contains(box.compatibleBrands, "M4A ")
}

type mpeg4Sniffer struct{}

func (mpeg4Sniffer) Sniff(header []byte) bool {
	return readMpeg4FtypBox(header) != nil
}

type mpeg4FtypBox struct {
	majorBrand       string
	minorVersion     uint32
	compatibleBrands []string
}

func readMpeg4FtypBox(header []byte) *mpeg4FtypBox {
	if len(header) < 16 || !bytes.Equal([]byte("ftyp"), header[4:8]) {
		return nil // not a valid ftyp box
	}

	size := binary.BigEndian.Uint32(header[0:4])
	if size < 16 || size%4 != 0 {
		return nil // invalid ftyp box
	}

	box := mpeg4FtypBox{
		majorBrand:   string(header[8:12]),
		minorVersion: binary.BigEndian.Uint32(header[12:16]),
	}
	for i := 16; i < int(size) && i+4 <= len(header); i += 4 {
		box.compatibleBrands = append(box.compatibleBrands, string(header[i:i+4]))
	}
	return &box
}

// mp3Sniffer 识别带 ID3v2 标签或直接以帧同步开头的 MP3
type mp3Sniffer struct{}

func (mp3Sniffer) Sniff(header []byte) bool {
	if bytes.HasPrefix(header, []byte("ID3")) {
		return true
	}
	for i := 0; i+4 <= len(header); i++ {
		if isMP3FrameHeader(header[i : i+4]) {
			return true
		}
	}
	return false
}

func isMP3FrameHeader(frame []byte) bool {
	// 11 bit sync
	if frame[0] != 0xFF || frame[1]&0xE0 != 0xE0 {
		return false
	}
	if version := (frame[1] >> 3) & 0x03; version == 1 { // reserved
		return false
	}
	if layer := (frame[1] >> 1) & 0x03; layer == 0 { // reserved
		return false
	}
	if bitrate := frame[2] >> 4; bitrate == 0 || bitrate == 0x0F { // free / bad
		return false
	}
	if sampling := (frame[2] >> 2) & 0x03; sampling == 3 { // reserved
		return false
	}
	return true
}
