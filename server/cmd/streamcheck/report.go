package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/streamchecker/streamchecker/pkg/types"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.FgHiBlack)
)

// printSummary writes a human-readable report of rec.
func printSummary(w io.Writer, rec *types.ResultRecord) {
	fmt.Fprintf(w, "Stream: %s\n", rec.StreamURL)
	fmt.Fprintln(w, dimColor.Sprintf("Run %s  stream %s", rec.TestRunID, rec.StreamID))
	fmt.Fprintln(w)

	for _, k := range types.Stages {
		if line := stageLine(rec, k); line != "" {
			fmt.Fprintln(w, line)
		}
	}

	if !rec.Scored() {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Health: %s\n", stateColor(rec.HealthState).Sprintf("%.0f/100 (%s)", *rec.HealthScore, rec.HealthState))
	if len(rec.Issues) > 0 {
		fmt.Fprintln(w, "Issues:")
		for _, s := range rec.Issues {
			fmt.Fprintf(w, "  • %s\n", s)
		}
	}
	if len(rec.Recommendations) > 0 {
		fmt.Fprintln(w, "Recommendations:")
		for _, s := range rec.Recommendations {
			fmt.Fprintf(w, "  • %s\n", s)
		}
	}
}

// stageLine renders one stage, or "" when it was not attempted.
func stageLine(rec *types.ResultRecord, k types.StageKind) string {
	status := rec.StageStatus(k)
	if status == "" {
		return ""
	}
	name := fmt.Sprintf("%-15s", k.String())
	if status != types.StatusSuccess {
		return fmt.Sprintf("%s %s %s", failColor.Sprint("✗"), name, stageError(rec, k))
	}
	return fmt.Sprintf("%s %s %s", okColor.Sprint("✓"), name, stageDetail(rec, k))
}

func stageError(rec *types.ResultRecord, k types.StageKind) string {
	switch k {
	case types.StageConnectivity:
		return rec.Connectivity.Error
	case types.StagePlayerTest:
		return rec.PlayerTest.Error
	case types.StageAudioAnalysis:
		return rec.AudioAnalysis.Error
	case types.StageAdDetection:
		return rec.AdDetection.Error
	}
	return ""
}

func stageDetail(rec *types.ResultRecord, k types.StageKind) string {
	var parts []string
	switch k {
	case types.StageConnectivity:
		c := rec.Connectivity
		parts = append(parts, fmt.Sprintf("HTTP %d in %.0f ms", c.HTTPStatus, c.ResponseTimeMs))
		if si := rec.StreamInfo; si != nil && si.StreamType != "" {
			parts = append(parts, si.StreamType)
			if si.BitrateKbps > 0 {
				parts = append(parts, fmt.Sprintf("%d kbps", si.BitrateKbps))
			}
		}
		if md := rec.Metadata; md != nil && md.Name != "" {
			parts = append(parts, fmt.Sprintf("%q", md.Name))
		}
		if c.TLS != nil {
			parts = append(parts, fmt.Sprintf("cert %s (%d days)", c.TLS.Status, c.TLS.DaysLeft))
		}
	case types.StagePlayerTest:
		p := rec.PlayerTest
		parts = append(parts, fmt.Sprintf("played %.1fs of %.1fs, startup %.0f ms", p.PlayedSeconds, p.RequestedSeconds, p.StartupTimeMs))
		if q := rec.ConnectionQuality; q != nil && q.PacketLossDetected {
			parts = append(parts, warnColor.Sprint("packet loss"))
		}
	case types.StageAudioAnalysis:
		a := rec.AudioAnalysis
		parts = append(parts, fmt.Sprintf("mean %.1f dB, peak %.1f dB", a.MeanVolumeDB, a.PeakVolumeDB))
		if a.SilenceDetected {
			parts = append(parts, warnColor.Sprintf("%.0f%% silence", a.SilencePercent))
		}
		if a.ClippingDetected {
			parts = append(parts, warnColor.Sprint("clipping"))
		}
	case types.StageAdDetection:
		a := rec.AdDetection
		switch {
		case !a.MetadataSupported:
			parts = append(parts, "no in-band metadata")
		case a.AdsDetected:
			parts = append(parts, warnColor.Sprintf("%d ad break(s)", len(a.AdBreaks)))
		default:
			parts = append(parts, "no ads")
		}
		parts = append(parts, fmt.Sprintf("%d title change(s) in %.0fs", a.MetadataChanges, a.MonitoredSeconds))
	}
	return strings.Join(parts, ", ")
}

func stateColor(state string) *color.Color {
	switch state {
	case "healthy":
		return okColor
	case "degraded":
		return warnColor
	default:
		return failColor
	}
}
