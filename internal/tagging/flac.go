package tagging

import (
	"bytes"
	"errors"
	"fmt"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/go-flac/flacpicture"
	"github.com/go-flac/flacvorbis"
	"github.com/go-flac/go-flac"
	"golang.org/x/exp/slices"

	"unlock-music.dev/ncm/algo/common"
	"unlock-music.dev/ncm/internal/sniff"
)

var ErrNotFLAC = errors.New("tagging: not a flac stream")

// EmbedFLAC rewrites the metadata blocks of a FLAC stream: the vorbis comment is replaced
// with meta, and cover (when non-empty) becomes the only front cover picture.
// Audio frames are carried over untouched.
func EmbedFLAC(audio []byte, meta common.AudioMeta, cover []byte) ([]byte, error) {
	if !bytes.HasPrefix(audio, []byte("fLaC")) {
		return nil, ErrNotFLAC
	}
	f, err := flac.ParseBytes(bytes.NewReader(audio))
	if err != nil {
		return nil, fmt.Errorf("tagging: parse flac: %w", err)
	}

	if meta != nil {
		cmt, err := buildComment(f, meta)
		if err != nil {
			return nil, err
		}
		block := cmt.Marshal()
		if idx := slices.IndexFunc(f.Meta, isType(flac.VorbisComment)); idx >= 0 {
			f.Meta[idx] = &block
		} else {
			f.Meta = append(f.Meta, &block)
		}
	}

	if len(cover) > 0 {
		pic, err := buildPicture(cover)
		if err != nil {
			return nil, err
		}
		f.Meta = slices.DeleteFunc(f.Meta, isFrontCover)
		block := pic.Marshal()
		f.Meta = append(f.Meta, &block)
	}

	return f.Marshal(), nil
}

func isType(t flac.BlockType) func(*flac.MetaDataBlock) bool {
	return func(b *flac.MetaDataBlock) bool { return b.Type == t }
}

func isFrontCover(b *flac.MetaDataBlock) bool {
	if b.Type != flac.Picture {
		return false
	}
	pic, err := flacpicture.ParseFromMetaDataBlock(*b)
	return err == nil && pic.PictureType == flacpicture.PictureTypeFrontCover
}

// buildComment 保留原有的非标题类字段，只覆盖标题、艺术家、专辑
func buildComment(f *flac.File, meta common.AudioMeta) (*flacvorbis.MetaDataBlockVorbisComment, error) {
	cmt := flacvorbis.New()
	if idx := slices.IndexFunc(f.Meta, isType(flac.VorbisComment)); idx >= 0 {
		old, err := flacvorbis.ParseFromMetaDataBlock(*f.Meta[idx])
		if err != nil {
			return nil, fmt.Errorf("tagging: parse vorbis comment: %w", err)
		}
		cmt.Vendor = old.Vendor
		for _, c := range old.Comments {
			key, _, _ := strings.Cut(c, "=")
			switch strings.ToUpper(key) {
			case flacvorbis.FIELD_TITLE, flacvorbis.FIELD_ARTIST, flacvorbis.FIELD_ALBUM:
				continue
			}
			cmt.Comments = append(cmt.Comments, c)
		}
	}

	if title := meta.GetTitle(); title != "" {
		if err := cmt.Add(flacvorbis.FIELD_TITLE, title); err != nil {
			return nil, fmt.Errorf("tagging: add title: %w", err)
		}
	}
	for _, artist := range meta.GetArtists() {
		if err := cmt.Add(flacvorbis.FIELD_ARTIST, artist); err != nil {
			return nil, fmt.Errorf("tagging: add artist: %w", err)
		}
	}
	if album := meta.GetAlbum(); album != "" {
		if err := cmt.Add(flacvorbis.FIELD_ALBUM, album); err != nil {
			return nil, fmt.Errorf("tagging: add album: %w", err)
		}
	}
	return cmt, nil
}

func buildPicture(cover []byte) (*flacpicture.MetadataBlockPicture, error) {
	mime, ok := sniff.ImageMIME(cover)
	if !ok {
		return nil, errors.New("tagging: unknown cover image type")
	}
	pic, err := flacpicture.NewFromImageData(flacpicture.PictureTypeFrontCover, "Front cover", cover, mime)
	if err == nil {
		return pic, nil
	}
	// 无法解码尺寸的格式（如 webp）只写入原始数据
	return &flacpicture.MetadataBlockPicture{
		PictureType: flacpicture.PictureTypeFrontCover,
		MIME:        mime,
		Description: "Front cover",
		ImageData:   cover,
	}, nil
}
