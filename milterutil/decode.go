package milterutil

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/transform"
)

// BackslashEscapeTransformer is a [transform.Transformer] that passes valid
// text through unchanged and replaces every invalid byte with a `\xHH`
// escape, mirroring Python's `bytes.decode(enc, "backslashreplace")`. With
// ASCIIOnly set it validates 7-bit ASCII instead of UTF-8.
type BackslashEscapeTransformer struct {
	ASCIIOnly bool
	transform.NopResetter
}

func (t *BackslashEscapeTransformer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		if t.ASCIIOnly {
			c := src[nSrc]
			if c > 127 {
				if len(dst)-nDst < 4 {
					err = transform.ErrShortDst
					return
				}
				nDst += copy(dst[nDst:], fmt.Sprintf(`\x%02x`, c))
				nSrc++
				continue
			}
			if len(dst)-nDst < 1 {
				err = transform.ErrShortDst
				return
			}
			dst[nDst] = c
			nDst++
			nSrc++
			continue
		}

		if !atEOF && !utf8.FullRune(src[nSrc:]) {
			err = transform.ErrShortSrc
			return
		}
		r, size := utf8.DecodeRune(src[nSrc:])
		if r == utf8.RuneError && size <= 1 {
			if len(dst)-nDst < 4 {
				err = transform.ErrShortDst
				return
			}
			nDst += copy(dst[nDst:], fmt.Sprintf(`\x%02x`, src[nSrc]))
			nSrc++
			continue
		}
		if len(dst)-nDst < size {
			err = transform.ErrShortDst
			return
		}
		nDst += copy(dst[nDst:], src[nSrc:nSrc+size])
		nSrc += size
	}
	return
}

var _ transform.Transformer = (*BackslashEscapeTransformer)(nil)

// DecodeUTF8BackslashEscape decodes b as UTF-8. Any byte sequence that is not
// valid UTF-8 is replaced by a `\xHH` escape per offending byte.
//
// The MTA is not required to send valid UTF-8 for hostnames, header values,
// envelope addresses or ESMTP values; this keeps a single malformed byte from
// making the whole field undecodable.
func DecodeUTF8BackslashEscape(b []byte) string {
	dst, _, _ := transform.Bytes(&BackslashEscapeTransformer{}, b)
	return string(dst)
}

// DecodeASCIIBackslashEscape decodes b as 7-bit ASCII. Any byte with the high
// bit set is replaced by a `\xHH` escape.
func DecodeASCIIBackslashEscape(b []byte) string {
	dst, _, _ := transform.Bytes(&BackslashEscapeTransformer{ASCIIOnly: true}, b)
	return string(dst)
}
