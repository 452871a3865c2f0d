// Package mimetypes normalizes the mime kinds attached to messages.
package mimetypes

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

type MIME string

const (
	Unknown   MIME = "unknown"
	TextPlain MIME = "text/plain"
	TextHTML  MIME = "text/html"

	ApplicationPDF  MIME = "application/pdf"
	ApplicationJSON MIME = "application/json"

	ImagePNG  MIME = "image/png"
	ImageJPEG MIME = "image/jpeg"
	ImageGIF  MIME = "image/gif"
)

// Category groups mime kinds the way clients render them.
type Category string

const (
	Image    Category = "image"
	Audio    Category = "audio"
	Video    Category = "video"
	Document Category = "document"
	Text     Category = "text"
	Other    Category = "file"
)

// Normalize strips parameters and case. Invalid input yields Unknown.
func Normalize(raw string) MIME {
	mt, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return Unknown
	}
	return MIME(strings.ToLower(mt))
}

// Known reports whether the mime kind is in the detection registry.
func Known(raw string) bool {
	normalized := Normalize(raw)
	return normalized != Unknown && mimetype.Lookup(string(normalized)) != nil
}

func CategoryOf(raw string) Category {
	normalized := Normalize(raw)
	switch {
	case normalized == Unknown:
		return Other
	case strings.HasPrefix(string(normalized), "image/"):
		return Image
	case strings.HasPrefix(string(normalized), "audio/"):
		return Audio
	case strings.HasPrefix(string(normalized), "video/"):
		return Video
	case strings.HasPrefix(string(normalized), "text/"):
		return Text
	case normalized == ApplicationPDF:
		return Document
	}
	return Other
}
