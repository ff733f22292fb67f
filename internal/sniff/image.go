package sniff

import "bytes"

type imageType struct {
	ext    string
	mime   string
	prefix []byte
}

var imageTypes = []imageType{
	{".jpg", "image/jpeg", []byte{0xFF, 0xD8, 0xFF}},
	{".png", "image/png", []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}},
	{".gif", "image/gif", []byte("GIF8")},
	{".bmp", "image/bmp", []byte("BM")},
	{".webp", "image/webp", nil}, // RIFF....WEBP
}

// ImageExtension sniffs the cover image type and returns its extension.
func ImageExtension(header []byte) (string, bool) {
	if t, ok := sniffImage(header); ok {
		return t.ext, true
	}
	return "", false
}

// ImageMIME sniffs the cover image type and returns its mime type.
func ImageMIME(header []byte) (string, bool) {
	if t, ok := sniffImage(header); ok {
		return t.mime, true
	}
	return "", false
}

func sniffImage(header []byte) (imageType, bool) {
	for _, t := range imageTypes {
		if t.prefix == nil {
			if len(header) >= 12 && bytes.Equal(header[:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WEBP")) {
				return t, true
			}
			continue
		}
		if bytes.HasPrefix(header, t.prefix) {
			return t, true
		}
	}
	return imageType{}, false
}
