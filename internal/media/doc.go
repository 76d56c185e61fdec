// Package media produces poster images for transcode jobs.
//
// A poster is either a frame grabbed from the source video with ffmpeg or an
// image uploaded alongside it (JPEG, PNG, GIF or WebP). Both are fitted into
// 640x360 and written as poster.jpg next to the master playlist.
package media
