package mediatypes

import (
	"path/filepath"
	"strings"
)

// FileType classifies a file by extension.
type FileType string

const (
	// FileTypeVideo is a source video container.
	FileTypeVideo FileType = "video"
	// FileTypeImage is a still image, such as a poster.
	FileTypeImage FileType = "image"
	// FileTypePlaylist is an HLS playlist.
	FileTypePlaylist FileType = "playlist"
	// FileTypeSegment is an MPEG-TS media segment.
	FileTypeSegment FileType = "segment"
	// FileTypeOther is anything else.
	FileTypeOther FileType = "other"
)

// HLS content types. Players are picky about these, so they do not come
// from the system mime database.
const (
	MimePlaylist = "application/vnd.apple.mpegurl"
	MimeSegment  = "video/MP2T"
	MimeDefault  = "application/octet-stream"
)

// ImageExtensions lists the image formats accepted as uploaded posters.
var ImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
	".tiff": true,
	".tif":  true,
}

// VideoExtensions lists the containers recognised as source videos.
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".m4v":  true,
	".mpeg": true,
	".mpg":  true,
	".3gp":  true,
	".mts":  true,
	".m2ts": true,
	".ogv":  true,
}

// MimeTypes maps extensions to content types.
var MimeTypes = map[string]string{
	".m3u8": MimePlaylist,
	".ts":   MimeSegment,

	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
	".tiff": "image/tiff",
	".tif":  "image/tiff",

	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".m4v":  "video/x-m4v",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".3gp":  "video/3gpp",
	".ogv":  "video/ogg",
}

// Ext returns the lowercased extension of name, including the dot.
func Ext(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

// GetFileType classifies name by its extension.
func GetFileType(name string) FileType {
	ext := Ext(name)
	switch {
	case ext == ".m3u8":
		return FileTypePlaylist
	case ext == ".ts":
		return FileTypeSegment
	case ImageExtensions[ext]:
		return FileTypeImage
	case VideoExtensions[ext]:
		return FileTypeVideo
	}
	return FileTypeOther
}

// GetMimeType returns the content type for name, or MimeDefault.
func GetMimeType(name string) string {
	if mime, ok := MimeTypes[Ext(name)]; ok {
		return mime
	}
	return MimeDefault
}

// AcceptableSource reports whether an upload named name may be a video.
// Unknown extensions are allowed and left to the encoder to judge; names
// that are clearly images or HLS playlists are not.
func AcceptableSource(name string) bool {
	switch GetFileType(name) {
	case FileTypeImage, FileTypePlaylist:
		return false
	}
	return true
}

// IsImage reports whether name has an image extension.
func IsImage(name string) bool {
	return GetFileType(name) == FileTypeImage
}
