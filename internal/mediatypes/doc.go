// Package mediatypes classifies files by extension: source videos, poster
// images, HLS playlists and segments. It supplies the content types the
// stream server sends and the checks the upload handler applies.
package mediatypes
