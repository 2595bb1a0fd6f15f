package portal

import (
	"path"
	"strings"
)

// Disposition modes.
const (
	Inline     = "inline"
	Attachment = "attachment"
)

const (
	pdfContentType     = "application/pdf"
	defaultContentType = "application/octet-stream"
)

// negotiate picks the response content type and disposition mode for a file.
// PDFs are always shown inline as application/pdf; everything else is
// downloaded with the upstream type.
func negotiate(fileName, upstreamType string) (contentType, mode string) {
	if strings.EqualFold(path.Ext(fileName), ".pdf") {
		return pdfContentType, Inline
	}
	if upstreamType == "" {
		upstreamType = defaultContentType
	}
	return upstreamType, Attachment
}

// ContentDisposition builds the header value with an RFC 5987 extended
// filename parameter holding the percent-encoded UTF-8 name.
func ContentDisposition(mode, fileName string) string {
	return mode + "; filename*=UTF-8''" + encodeExtValue(fileName)
}

// encodeExtValue percent-encodes every byte outside attr-char.
func encodeExtValue(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
