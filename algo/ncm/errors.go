package ncm

import (
	"errors"
	"fmt"
)

var (
	ErrTooSmall         = errors.New("ncm: file too small")
	ErrInvalidSignature = errors.New("ncm: invalid magic header")
	ErrNoAudioData      = errors.New("ncm: no audio data")
	ErrKeyTooShort      = errors.New("ncm: decrypted key shorter than key tag")
)

// SectionKind 标识容器中的长度前缀区段
type SectionKind int

const (
	SectionKey SectionKind = iota
	SectionMeta
	SectionImage
)

func (k SectionKind) String() string {
	switch k {
	case SectionKey:
		return "key"
	case SectionMeta:
		return "metadata"
	case SectionImage:
		return "image"
	default:
		return fmt.Sprintf("section(%d)", int(k))
	}
}

// MissingLengthFieldError 剩余字节不足以读取4字节长度
type MissingLengthFieldError struct {
	Section   SectionKind
	Remaining int
}

func (e *MissingLengthFieldError) Error() string {
	return fmt.Sprintf("ncm: %s length field missing (%d bytes left)", e.Section, e.Remaining)
}

// TruncatedSectionError 声明的区段长度超过剩余数据
type TruncatedSectionError struct {
	Section   SectionKind
	Declared  uint64
	Remaining int
}

func (e *TruncatedSectionError) Error() string {
	return fmt.Sprintf("ncm: %s section incomplete: declared %d bytes, %d left", e.Section, e.Declared, e.Remaining)
}

// CipherSetupError wraps a failure to build the AES block from the core key.
// The key is a fixed 16-byte constant, so this indicates a broken build.
type CipherSetupError struct {
	Err error
}

func (e *CipherSetupError) Error() string {
	return "ncm: init core key cipher: " + e.Err.Error()
}

func (e *CipherSetupError) Unwrap() error {
	return e.Err
}
