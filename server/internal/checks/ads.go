package checks

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/streamchecker/streamchecker/pkg/types"
)

// Ad detection methods.
const (
	MethodICY  = "icy-metadata"
	MethodNone = "none"
)

const (
	defaultAdDuration      = 60 * time.Second
	defaultAdCheckInterval = 2 * time.Second
	maxTrackedTitles       = 50
)

// adMarkers are case-insensitive substrings that identify an ad break in
// StreamTitle or StreamUrl. The last entries are the markers inserted by the
// common server-side ad-insertion platforms.
var adMarkers = []string{
	"advert",
	"commercial",
	"ad break",
	"adbreak",
	"sponsor",
	"promo",
	"adw_ad=",
	"adswizz",
	"triton_ad",
	"insertionType=midroll",
	"durationMilliseconds=",
}

// Ads follows the ICY metadata channel and reports title changes that carry
// ad markers.
type Ads struct {
	now func() time.Time
}

// NewAds returns an Ads checker.
func NewAds() *Ads {
	return &Ads{now: time.Now}
}

// Check implements pipeline.Checker. When connectivity already established
// that the stream has no metadata channel the stream is not opened again.
func (a *Ads) Check(ctx context.Context, url string, rec *types.ResultRecord, cfg types.CheckConfig) (types.StageBlock, error) {
	if c := rec.Connectivity; c != nil && c.Status == types.StatusSuccess && c.MetadataInterval == 0 {
		return unsupported(), nil
	}

	window := cfg.AdDuration
	if window <= 0 {
		window = defaultAdDuration
	}
	interval := cfg.AdCheckInterval
	if interval <= 0 {
		interval = defaultAdCheckInterval
	}

	monitorCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	client := newHTTPClient(cfg)
	defer client.CloseIdleConnections()
	req, err := newStreamRequest(monitorCtx, url)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errors.Newf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	mi := metaint(resp.Header)
	if mi == 0 {
		return unsupported(), nil
	}

	start := a.now()
	tracker := newAdTracker(interval)
	ir := newICYReader(resp.Body, mi)
	for {
		block, err := ir.next()
		if err != nil {
			// The monitoring window closing is the normal end of the loop.
			if monitorCtx.Err() != nil && ctx.Err() == nil {
				break
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrap(err, "read icy stream")
		}
		if block == "" {
			continue
		}
		tracker.observe(parseICYMetadata(block), a.now().Sub(start))
	}

	out := tracker.result()
	out.MonitoredSeconds = round(a.now().Sub(start).Seconds(), 1)
	return out, nil
}

func unsupported() *types.AdDetectionBlock {
	return &types.AdDetectionBlock{Status: types.StatusSuccess, Method: MethodNone}
}

// adTracker folds a sequence of ICY metadata updates into an ad report. A
// run of ad-marked titles is one break; a non-ad title that lasts less than
// gap before the next ad title does not end the break.
type adTracker struct {
	gap       time.Duration
	lastTitle string
	seenTitle bool
	inBreak   bool
	breakEnd  time.Duration
	block     *types.AdDetectionBlock
}

func newAdTracker(gap time.Duration) *adTracker {
	return &adTracker{
		gap:   gap,
		block: &types.AdDetectionBlock{Status: types.StatusSuccess, Method: MethodICY, MetadataSupported: true},
	}
}

func (t *adTracker) observe(fields map[string]string, at time.Duration) {
	title := fields["StreamTitle"]
	if t.seenTitle && title == t.lastTitle {
		return
	}
	if t.seenTitle {
		t.block.MetadataChanges++
	}
	t.seenTitle = true
	t.lastTitle = title
	if title != "" && len(t.block.Titles) < maxTrackedTitles {
		t.block.Titles = append(t.block.Titles, title)
	}

	marker := adMarker(title + " " + fields["StreamUrl"])
	if marker == "" {
		if t.inBreak {
			t.inBreak = false
			t.breakEnd = at
		}
		return
	}
	if t.inBreak {
		return
	}
	t.inBreak = true
	if n := len(t.block.AdBreaks); n > 0 && at-t.breakEnd <= t.gap {
		return
	}
	t.block.AdBreaks = append(t.block.AdBreaks, types.AdBreak{
		OffsetSeconds: round(at.Seconds(), 1),
		Title:         title,
		Marker:        marker,
	})
}

func (t *adTracker) result() *types.AdDetectionBlock {
	t.block.AdsDetected = len(t.block.AdBreaks) > 0
	return t.block
}

// adMarker returns the first ad marker found in s, or "".
func adMarker(s string) string {
	l := strings.ToLower(s)
	for _, m := range adMarkers {
		if strings.Contains(l, strings.ToLower(m)) {
			return m
		}
	}
	return ""
}
