package imageopt

import (
	"encoding/base64"
	"fmt"
	"net/url"
)

// BlurPlaceholderURL is the lazily served dev blur placeholder for src.
func BlurPlaceholderURL(basePath, src string) string {
	return fmt.Sprintf("%s/_next/image?url=%s&w=%d&q=%d", basePath, url.QueryEscape(src), BlurImageSize, BlurQuality)
}

func isBlurRequest(p *Params) bool {
	return p.Width <= BlurImageSize && p.Quality == BlurQuality
}

// blurSVG wraps a tiny image in an SVG that blurs it when scaled up.
func blurSVG(width, height int, contentType string, img []byte) []byte {
	const std = 20
	viewBox, aspect := "", "none"
	if width > 0 && height > 0 {
		viewBox = fmt.Sprintf("viewBox='0 0 %d %d'", width*40, height*40)
	}
	dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(img)
	return []byte(fmt.Sprintf("<svg xmlns='http://www.w3.org/2000/svg' %s>"+
		"<filter id='b' color-interpolation-filters='sRGB'>"+
		"<feGaussianBlur stdDeviation='%d'/>"+
		"<feColorMatrix values='1 0 0 0 0 0 1 0 0 0 0 0 1 0 0 0 0 0 100 -1' result='s'/>"+
		"<feFlood x='0' y='0' width='100%%' height='100%%'/>"+
		"<feComposite operator='out' in='s'/>"+
		"<feComposite in2='SourceGraphic'/>"+
		"<feGaussianBlur stdDeviation='%d'/>"+
		"</filter>"+
		"<image width='100%%' height='100%%' x='0' y='0' preserveAspectRatio='%s' style='filter: url(#b);' href='%s'/>"+
		"</svg>", viewBox, std, std, aspect, dataURL))
}
