// Package playlist reads and writes HLS playlists.
//
// The master manifest lists every successfully encoded rendition in ladder
// order:
//
//	#EXTM3U
//	#EXT-X-VERSION:3
//	#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS="avc1.42e01f,mp4a.40.2"
//	360p/playlist.m3u8
//
// Output is byte-for-byte deterministic for a given variant list. The media
// playlist parser only understands the tags ffmpeg emits for VOD output and
// is used to check that an encode actually produced segments.
package playlist
