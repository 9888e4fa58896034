package checks

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dhowden/tag"

	"github.com/streamchecker/streamchecker/pkg/types"
	"github.com/streamchecker/streamchecker/server/internal/security"
)

// Probe bounds for the connectivity body read.
const (
	defaultProbeBytes  = 64 * 1024
	defaultProbeWindow = 3 * time.Second
)

// Connectivity opens the stream and reports reachability, response timing,
// TLS state, stream info and metadata.
type Connectivity struct {
	probeBytes  int
	probeWindow time.Duration
	now         func() time.Time
}

// NewConnectivity returns a Connectivity checker with default probe bounds.
func NewConnectivity() *Connectivity {
	return &Connectivity{
		probeBytes:  defaultProbeBytes,
		probeWindow: defaultProbeWindow,
		now:         time.Now,
	}
}

// Check implements pipeline.Checker.
func (c *Connectivity) Check(ctx context.Context, url string, _ *types.ResultRecord, cfg types.CheckConfig) (types.StageBlock, error) {
	client := newHTTPClient(cfg)
	defer client.CloseIdleConnections()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := newStreamRequest(reqCtx, url)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}

	start := c.now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	responseTime := c.now().Sub(start)

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errors.Newf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	probe, probeTime := c.readProbe(resp.Body, cancel, cfg.ReadTimeout)

	interval := metaint(resp.Header)
	block := &types.ConnectivityBlock{
		Status:           types.StatusSuccess,
		Reachable:        true,
		HTTPStatus:       resp.StatusCode,
		ResponseTimeMs:   float64(responseTime.Microseconds()) / 1000,
		ContentType:      resp.Header.Get("Content-Type"),
		Server:           resp.Header.Get("Server"),
		BytesReceived:    int64(len(probe)),
		HTTPS:            resp.Request.URL.Scheme == "https",
		MetadataInterval: interval,
		TLS:              security.CertStatus(resp.TLS, c.now()),
	}
	if secs := probeTime.Seconds(); secs > 0 {
		block.ThroughputKbps = float64(len(probe)) * 8 / 1000 / secs
	}

	audio, icyBlocks := splitICY(probe, interval)
	return &types.ConnectivityResult{
		Connectivity: block,
		StreamInfo:   streamInfo(resp.Header),
		Metadata:     streamMetadata(resp.Header, audio, icyBlocks),
	}, nil
}

// readProbe reads up to probeBytes of the body within the probe window and
// returns what it got. Hitting the window is not an error.
func (c *Connectivity) readProbe(body io.Reader, cancel context.CancelFunc, readTimeout time.Duration) ([]byte, time.Duration) {
	window := c.probeWindow
	if readTimeout > 0 && readTimeout < window {
		window = readTimeout
	}
	timer := time.AfterFunc(window, cancel)
	defer timer.Stop()

	start := c.now()
	buf := make([]byte, c.probeBytes)
	n, _ := io.ReadFull(body, buf)
	return buf[:n], c.now().Sub(start)
}

// streamTypes maps media types to the stream type reported in stream_info.
var streamTypes = map[string]string{
	"audio/mpeg":                    "mp3",
	"audio/mp3":                     "mp3",
	"audio/aac":                     "aac",
	"audio/aacp":                    "aac",
	"audio/x-aac":                   "aac",
	"audio/ogg":                     "ogg",
	"application/ogg":               "ogg",
	"audio/opus":                    "opus",
	"audio/flac":                    "flac",
	"audio/wav":                     "wav",
	"audio/x-wav":                   "wav",
	"application/vnd.apple.mpegurl": "hls",
	"application/x-mpegurl":         "hls",
	"audio/mpegurl":                 "hls",
	"audio/x-mpegurl":               "hls",
	"application/dash+xml":          "dash",
	"audio/x-scpls":                 "pls",
}

func streamInfo(h http.Header) *types.StreamInfo {
	info := &types.StreamInfo{StreamType: "unknown"}
	if mt, _, err := mime.ParseMediaType(h.Get("Content-Type")); err == nil {
		if st, ok := streamTypes[mt]; ok {
			info.StreamType = st
		} else if strings.HasPrefix(mt, "video/") {
			info.StreamType = "video"
		}
		switch info.StreamType {
		case "mp3", "aac", "opus", "flac":
			info.Codec = info.StreamType
		case "ogg":
			info.Codec = "vorbis"
		}
	}

	info.BitrateKbps = leadingInt(h.Get("Icy-Br"))
	info.SampleRateHz = leadingInt(h.Get("Icy-Sr"))

	// ice-audio-info: "ice-samplerate=44100;ice-bitrate=128;ice-channels=2"
	for _, kv := range strings.Split(h.Get("Ice-Audio-Info"), ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok {
			continue
		}
		n := leadingInt(v)
		switch strings.ToLower(k) {
		case "ice-samplerate", "samplerate":
			if info.SampleRateHz == 0 {
				info.SampleRateHz = n
			}
		case "ice-bitrate", "bitrate":
			if info.BitrateKbps == 0 {
				info.BitrateKbps = n
			}
		case "ice-channels", "channels":
			info.Channels = n
		}
	}
	return info
}

func streamMetadata(h http.Header, audio []byte, icyBlocks []string) *types.StreamMetadata {
	md := &types.StreamMetadata{
		Name:        h.Get("Icy-Name"),
		Genre:       h.Get("Icy-Genre"),
		Description: h.Get("Icy-Description"),
		URL:         h.Get("Icy-Url"),
		Public:      h.Get("Icy-Pub") == "1",
	}
	for _, b := range icyBlocks {
		if title := parseICYMetadata(b)["StreamTitle"]; title != "" {
			md.Title = title
		}
	}

	// Streams that start with an ID3 header or an Ogg page carry tags in the
	// first bytes.
	if m, err := tag.ReadFrom(bytes.NewReader(audio)); err == nil {
		if md.Title == "" {
			md.Title = m.Title()
		}
		md.Artist = m.Artist()
		md.Album = m.Album()
		if md.Genre == "" {
			md.Genre = m.Genre()
		}
	}
	if md.Artist == "" && md.Title != "" {
		if artist, title, ok := strings.Cut(md.Title, " - "); ok {
			md.Artist, md.Title = strings.TrimSpace(artist), strings.TrimSpace(title)
		}
	}
	return md
}

// leadingInt parses the first integer in a header value such as "128,128".
func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(s[:end])
	return n
}
