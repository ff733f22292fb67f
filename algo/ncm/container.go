package ncm

import (
	"bytes"
	"encoding/binary"
)

var magicHeader = []byte("CTENFDAM")

const (
	versionSize = 2
	headerSize  = 8 + versionSize // magic + version, version is never inspected
	lengthSize  = 4
	crcGapSize  = 4 + 5 // crc32 of the image block + 5 unknown bytes, never validated
)

// Section 指向原始数据中的一段 [Offset, Offset+Length)
type Section struct {
	Offset int
	Length int
}

// Bytes returns the section view into raw. raw must be the buffer the section was parsed from.
func (s Section) Bytes(raw []byte) []byte {
	return raw[s.Offset : s.Offset+s.Length]
}

func (s Section) End() int {
	return s.Offset + s.Length
}

// Container is the layout of a parsed .ncm file.
// Meta and Image are located but never interpreted.
type Container struct {
	Key   Section
	Meta  Section
	Image Section
	Audio Section
}

// ParseContainer walks the length prefixed sections of raw and locates the audio payload.
// It never reads past the end of raw; malformed lengths are reported as errors.
func ParseContainer(raw []byte) (*Container, error) {
	if len(raw) < headerSize {
		return nil, ErrTooSmall
	}
	if !bytes.Equal(raw[:len(magicHeader)], magicHeader) {
		return nil, ErrInvalidSignature
	}

	r := sectionReader{raw: raw, pos: headerSize}
	c := &Container{}
	var err error

	if c.Key, err = r.lengthPrefixed(SectionKey); err != nil {
		return nil, err
	}
	if c.Meta, err = r.lengthPrefixed(SectionMeta); err != nil {
		return nil, err
	}
	if err = r.skip(crcGapSize, SectionImage); err != nil {
		return nil, err
	}
	if c.Image, err = r.lengthPrefixed(SectionImage); err != nil {
		return nil, err
	}

	if r.remaining() == 0 {
		return nil, ErrNoAudioData
	}
	c.Audio = Section{Offset: r.pos, Length: r.remaining()}
	return c, nil
}

// sectionReader 游标只增不减，且始终 <= len(raw)
type sectionReader struct {
	raw []byte
	pos int
}

func (r *sectionReader) remaining() int {
	return len(r.raw) - r.pos
}

// need 检查在读取下一个字段前还剩多少数据
// 只有文件头之后立即结束才视为没有音频，其余位置的缺失按长度字段缺失处理
func (r *sectionReader) need(n int, kind SectionKind) error {
	rem := r.remaining()
	if rem == 0 && kind == SectionKey && r.pos == headerSize {
		return ErrNoAudioData
	}
	if rem < n {
		return &MissingLengthFieldError{Section: kind, Remaining: rem}
	}
	return nil
}

func (r *sectionReader) skip(n int, next SectionKind) error {
	if err := r.need(n, next); err != nil {
		return err
	}
	r.pos += n
	return nil
}

func (r *sectionReader) lengthPrefixed(kind SectionKind) (Section, error) {
	if err := r.need(lengthSize, kind); err != nil {
		return Section{}, err
	}
	declared := uint64(binary.LittleEndian.Uint32(r.raw[r.pos:]))
	r.pos += lengthSize

	rem := r.remaining()
	if declared > uint64(rem) {
		return Section{}, &TruncatedSectionError{Section: kind, Declared: declared, Remaining: rem}
	}
	s := Section{Offset: r.pos, Length: int(declared)}
	r.pos += s.Length
	return s, nil
}
