// Package checks implements the four stage checkers run by the pipeline:
//
//   - Connectivity opens the stream over HTTP, times the response, reads a
//     short probe of the body and derives stream info (content type, ICY
//     bitrate and sample rate) and metadata (ICY station headers plus any
//     ID3/Vorbis tags found in the probe).
//   - Player drives ffmpeg as a headless player and reports startup latency,
//     played time and decoder errors.
//   - Audio decodes a sample to mono PCM through ffmpeg and measures volume,
//     silence and clipping.
//   - Ads follows the ICY metadata channel for the monitoring window and
//     flags titles that carry ad-insertion markers.
//
// Subprocess-based checkers take a CommandFunc so tests can substitute the
// ffmpeg binary.
package checks
