package checks

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CommandFunc builds the command used to run ffmpeg. exec.CommandContext
// satisfies it; tests substitute a helper process.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// waitDelay bounds how long Wait blocks on output pipes after ffmpeg is killed.
const waitDelay = 2 * time.Second

// maxReportedErrors caps the decoder messages kept from stderr.
const maxReportedErrors = 10

func defaultCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// inputArgs are the ffmpeg options shared by every stream read.
func inputArgs(url string, timeout, duration time.Duration) []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "warning", "-user_agent", userAgent}
	if timeout > 0 {
		args = append(args, "-rw_timeout", strconv.FormatInt(timeout.Microseconds(), 10))
	}
	return append(args, "-t", formatSeconds(duration), "-i", url)
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// readProgress consumes "-progress pipe:1" output. It returns the media time
// reached and the wall time at which the first decoded media time arrived
// (zero if none did). elapsed reports wall time since ffmpeg started.
func readProgress(r io.Reader, elapsed func() time.Duration) (played float64, startup time.Duration) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// Both keys carry microseconds.
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || us <= 0 {
				continue
			}
			secs := float64(us) / 1e6
			if secs > played {
				played = secs
			}
			if startup == 0 {
				startup = elapsed()
			}
		}
	}
	return played, startup
}

// stderrLines returns up to maxReportedErrors non-empty diagnostic lines.
func stderrLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == maxReportedErrors {
			break
		}
	}
	return out
}

// lossMarkers are decoder messages that indicate dropped or damaged packets.
var lossMarkers = []string{
	"corrupt",
	"invalid data",
	"error while decoding",
	"packet mismatch",
	"missing",
	"non monotonous",
	"non-monotonous",
	"discontinuity",
	"header missing",
	"concealing",
}

func packetLoss(lines []string) bool {
	for _, line := range lines {
		l := strings.ToLower(line)
		for _, m := range lossMarkers {
			if strings.Contains(l, m) {
				return true
			}
		}
	}
	return false
}
