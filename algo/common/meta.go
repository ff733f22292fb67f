package common

import (
	"path/filepath"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

type filenameMeta struct {
	artists []string
	title   string
	album   string
}

func (f *filenameMeta) GetArtists() []string {
	return f.artists
}

func (f *filenameMeta) GetTitle() string {
	return f.title
}

func (f *filenameMeta) GetAlbum() string {
	return f.album
}

// ParseFilenameMeta 从文件名推断标题和艺术家
//
// 网易云导出的文件名通常是 "艺术家 - 标题"，部分客户端导出 "标题 - 艺术家"，
// 两边都无法判断时按 "艺术家 - 标题" 处理。多个艺术家以 "," 或 "_" 分隔。
// macOS 上读取到的文件名是 NFD 形式，先统一成 NFC 再解析。
func ParseFilenameMeta(filename string) AudioMeta {
	name := norm.NFC.String(filepath.Base(filename))
	name = strings.TrimSpace(strings.TrimSuffix(name, filepath.Ext(name)))
	ret := &filenameMeta{}
	if name == "" {
		return ret
	}

	left, right, found := strings.Cut(name, "-")
	left, right = strings.TrimSpace(left), strings.TrimSpace(right)
	switch {
	case !found:
		ret.title = name
		return ret
	case left == "":
		ret.title = right
		return ret
	case right == "":
		ret.title = left
		return ret
	}

	artist, title := left, right
	if artistScore(right)-titleScore(right) > artistScore(left)-titleScore(left) {
		artist, title = right, left
	}
	ret.title = title
	ret.artists = splitArtists(artist)
	return ret
}

func splitArtists(s string) []string {
	var artists []string
	for _, a := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '_' }) {
		if a = strings.TrimSpace(a); a != "" {
			artists = append(artists, a)
		}
	}
	return artists
}

var (
	songKeywords = []string{
		"live", "remix", "cover", "acoustic", "instrumental", "demo", "version", "mix",
		"现场", "翻唱", "伴奏", "纯音乐", "演奏版",
	}

	songWords = []string{"Story", "Song", "Dream", "Night", "Day", "Love", "Heart", "Life", "Time", "World"}

	commonChineseSurnames = []rune("王李张刘陈杨黄赵周吴徐孙朱马胡郭林何高梁郑罗宋谢唐韩曹许邓萧")
)

// artistScore 越高越像艺术家名
func artistScore(s string) int {
	score := 0
	runes := []rune(s)
	if hanRatio(s) > 0.5 {
		if len(runes) >= 2 && len(runes) <= 4 {
			score += 3
		}
		if slices.Contains(commonChineseSurnames, runes[0]) {
			score += 4
		}
	} else if isCapitalized(s) {
		score += 2
		if strings.Contains(s, " ") && len(strings.Fields(s)) <= 3 {
			score += 2
		}
	}
	if strings.ContainsAny(s, ",_") {
		score += 2
	}
	return score
}

// titleScore 越高越像歌曲名
func titleScore(s string) int {
	score := 0
	if strings.ContainsAny(s, "()[]{}（）【】") {
		score += 4
	}
	lower := strings.ToLower(s)
	for _, kw := range songKeywords {
		if strings.Contains(lower, kw) {
			score += 5
			break
		}
	}
	for _, w := range strings.Fields(s) {
		if slices.Contains(songWords, w) {
			score += 3
			break
		}
	}
	if strings.ContainsFunc(s, unicode.IsDigit) {
		score += 2
	}
	if n := len([]rune(s)); n > 10 {
		score += 2
	} else if hanRatio(s) > 0.5 && n > 4 {
		score += 2
	}
	return score
}

func hanRatio(s string) float64 {
	han, total := 0, 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.Is(unicode.Han, r) {
			han++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(han) / float64(total)
}

func isCapitalized(s string) bool {
	words := strings.Fields(s)
	for _, w := range words {
		if !unicode.IsUpper([]rune(w)[0]) {
			return false
		}
	}
	return len(words) > 0
}
