package imageopt

import (
	"bytes"
	"mime"
	"strconv"
	"strings"
)

const (
	MimeAVIF = "image/avif"
	MimeWEBP = "image/webp"
	MimePNG  = "image/png"
	MimeJPEG = "image/jpeg"
	MimeGIF  = "image/gif"
	MimeSVG  = "image/svg+xml"
	MimeICO  = "image/x-icon"
	MimeICNS = "image/x-icns"
	MimeTIFF = "image/tiff"
	MimeBMP  = "image/bmp"
	MimeJXL  = "image/jxl"
	MimeHEIC = "image/heic"
	MimeJP2  = "image/jp2"
)

var extensions = map[string]string{
	MimeAVIF: "avif",
	MimeWEBP: "webp",
	MimePNG:  "png",
	MimeJPEG: "jpeg",
	MimeGIF:  "gif",
	MimeSVG:  "svg",
	MimeICO:  "ico",
	MimeICNS: "icns",
	MimeTIFF: "tiff",
	MimeBMP:  "bmp",
	MimeJXL:  "jxl",
	MimeHEIC: "heic",
	MimeJP2:  "jp2",
}

// Types served as-is, never decoded.
var bypassTypes = map[string]bool{MimeSVG: true, MimeICO: true, MimeICNS: true, MimeBMP: true}

var animatableTypes = map[string]bool{MimeWEBP: true, MimePNG: true, MimeGIF: true}

// ExtensionOf returns the file extension for an image content type.
func ExtensionOf(contentType string) string {
	return extensions[contentType]
}

// ContentTypeOf returns the content type for a file extension.
func ContentTypeOf(ext string) string {
	for ct, e := range extensions {
		if e == ext {
			return ct
		}
	}
	return ""
}

type magic struct {
	prefix []byte
	// skip marks wildcard positions.
	skip        map[int]bool
	contentType string
}

var magics = []magic{
	{prefix: []byte{0xff, 0xd8, 0xff}, contentType: MimeJPEG},
	{prefix: []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}, contentType: MimePNG},
	{prefix: []byte("GIF8"), contentType: MimeGIF},
	{prefix: []byte("RIFF\x00\x00\x00\x00WEBP"), skip: map[int]bool{4: true, 5: true, 6: true, 7: true}, contentType: MimeWEBP},
	{prefix: []byte("<?xml"), contentType: MimeSVG},
	{prefix: []byte("<svg"), contentType: MimeSVG},
	{prefix: []byte("\x00\x00\x00\x00ftypavif"), skip: map[int]bool{0: true, 1: true, 2: true, 3: true}, contentType: MimeAVIF},
	{prefix: []byte{0x00, 0x00, 0x01, 0x00}, contentType: MimeICO},
	{prefix: []byte("icns"), contentType: MimeICNS},
	{prefix: []byte{0x49, 0x49, 0x2a, 0x00}, contentType: MimeTIFF},
	{prefix: []byte{0x4d, 0x4d, 0x00, 0x2a}, contentType: MimeTIFF},
	{prefix: []byte{0x42, 0x4d}, contentType: MimeBMP},
	{prefix: []byte{0xff, 0x0a}, contentType: MimeJXL},
	{prefix: []byte{0x00, 0x00, 0x00, 0x0c, 0x4a, 0x58, 0x4c, 0x20, 0x0d, 0x0a, 0x87, 0x0a}, contentType: MimeJXL},
	{prefix: []byte("\x00\x00\x00\x00ftypheic"), skip: map[int]bool{0: true, 1: true, 2: true, 3: true}, contentType: MimeHEIC},
	{prefix: []byte{0x00, 0x00, 0x00, 0x0c, 0x6a, 0x50, 0x20, 0x20, 0x0d, 0x0a, 0x87, 0x0a}, contentType: MimeJP2},
}

// DetectContentType inspects the magic bytes of buf. It returns "" for
// unrecognized content.
func DetectContentType(buf []byte) string {
	for _, m := range magics {
		if matchMagic(buf, m) {
			return m.contentType
		}
	}
	return ""
}

func matchMagic(buf []byte, m magic) bool {
	if len(buf) < len(m.prefix) {
		return false
	}
	for i, b := range m.prefix {
		if m.skip[i] {
			continue
		}
		if buf[i] != b {
			return false
		}
	}
	return true
}

// IsAnimated reports whether buf holds an animated PNG, GIF or WEBP.
func IsAnimated(buf []byte) bool {
	switch DetectContentType(buf) {
	case MimePNG:
		return pngAnimated(buf)
	case MimeGIF:
		return gifFrames(buf) > 1
	case MimeWEBP:
		return webpAnimated(buf)
	}
	return false
}

// pngAnimated looks for an acTL chunk ahead of the first IDAT.
func pngAnimated(buf []byte) bool {
	off := 8
	for off+8 <= len(buf) {
		n := int(buf[off])<<24 | int(buf[off+1])<<16 | int(buf[off+2])<<8 | int(buf[off+3])
		switch string(buf[off+4 : off+8]) {
		case "acTL":
			return true
		case "IDAT", "IEND":
			return false
		}
		off += 12 + n
	}
	return false
}

// gifFrames counts image descriptors, stopping at the second.
func gifFrames(buf []byte) int {
	if len(buf) < 13 {
		return 0
	}
	off := 13
	if buf[10]&0x80 != 0 {
		off += 3 << (int(buf[10]&0x07) + 1)
	}
	frames := 0
	for off < len(buf) && frames < 2 {
		switch buf[off] {
		case 0x2c:
			frames++
			if off+10 > len(buf) {
				return frames
			}
			flags := buf[off+9]
			off += 10
			if flags&0x80 != 0 {
				off += 3 << (int(flags&0x07) + 1)
			}
			off++ // LZW minimum code size
			off = skipSubBlocks(buf, off)
		case 0x21:
			off = skipSubBlocks(buf, off+2)
		case 0x3b:
			return frames
		default:
			return frames
		}
	}
	return frames
}

func skipSubBlocks(buf []byte, off int) int {
	for off < len(buf) {
		n := int(buf[off])
		off++
		if n == 0 {
			return off
		}
		off += n
	}
	return off
}

func webpAnimated(buf []byte) bool {
	if len(buf) >= 21 && string(buf[12:16]) == "VP8X" && buf[20]&0x02 != 0 {
		return true
	}
	return bytes.Contains(buf[min(len(buf), 12):], []byte("ANIM"))
}

// negotiateFormat returns the configured format the Accept header prefers,
// or "" when none is accepted explicitly.
func negotiateFormat(accept string, formats []string) string {
	if accept == "" || len(formats) == 0 {
		return ""
	}
	weights := map[string]float64{}
	for _, part := range strings.Split(accept, ",") {
		mt, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		q := 1.0
		if v, ok := params["q"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
		if cur, ok := weights[mt]; !ok || q > cur {
			weights[mt] = q
		}
	}
	best, bestQ := "", 0.0
	for _, f := range formats {
		if q, ok := weights[f]; ok && q > bestQ {
			best, bestQ = f, q
		}
	}
	return best
}
