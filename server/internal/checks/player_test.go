package checks

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/streamchecker/streamchecker/pkg/types"
)

// helperCommand returns a CommandFunc that re-runs the test binary as a fake
// ffmpeg behaving according to mode.
func helperCommand(mode string) CommandFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
		return cmd
	}
}

// TestHelperProcess is not a real test. It impersonates ffmpeg.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("HELPER_MODE") {
	case "play":
		for _, us := range []int{1000000, 3000000, 5000000} {
			fmt.Printf("frame=0\nout_time_us=%d\nprogress=continue\n", us)
		}
		fmt.Println("progress=end")
	case "corrupt":
		fmt.Println("out_time_us=2000000")
		fmt.Fprintln(os.Stderr, "[mp3 @ 0x1] Header missing")
		fmt.Fprintln(os.Stderr, "Error while decoding stream #0:0: Invalid data found")
	case "fail":
		fmt.Fprintln(os.Stderr, "http://x/live: Server returned 404 Not Found")
		os.Exit(1)
	case "silent-exit":
		os.Exit(1)
	case "pcm":
		// 1s of tone then 3s of digital silence at 8 kHz.
		buf := make([]byte, 2*analysisRate*4)
		for i := 0; i < analysisRate; i++ {
			v := int16(8000)
			if i%2 == 1 {
				v = -8000
			}
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
		}
		os.Stdout.Write(buf) //nolint:errcheck
	case "hang":
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func checkPlayer(t *testing.T, mode string) (*types.PlayerResult, error) {
	t.Helper()
	cfg := types.CheckConfig{ConnectionTimeout: time.Second, PlayerDuration: 5 * time.Second}
	block, err := NewPlayer("ffmpeg", helperCommand(mode)).Check(context.Background(), "http://x/live", nil, cfg)
	if err != nil {
		return nil, err
	}
	return block.(*types.PlayerResult), nil
}

func TestPlayer_Plays(t *testing.T) {
	res, err := checkPlayer(t, "play")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	p := res.Player
	if p.Status != types.StatusSuccess || p.PlayedSeconds != 5 || p.RequestedSeconds != 5 {
		t.Errorf("player = %+v", p)
	}
	if p.StartupTimeMs <= 0 {
		t.Errorf("StartupTimeMs = %v", p.StartupTimeMs)
	}
	if !res.Quality.Stable || res.Quality.PacketLossDetected {
		t.Errorf("quality = %+v", res.Quality)
	}
}

func TestPlayer_CorruptFrames(t *testing.T) {
	res, err := checkPlayer(t, "corrupt")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(res.Player.Errors) < 2 || !strings.Contains(res.Player.Errors[0], "Header missing") {
		t.Errorf("errors = %q", res.Player.Errors)
	}
	if res.Quality.Stable || !res.Quality.PacketLossDetected {
		t.Errorf("quality = %+v", res.Quality)
	}
}

func TestPlayer_Fails(t *testing.T) {
	_, err := checkPlayer(t, "fail")
	if err == nil || !strings.Contains(err.Error(), "no audio played: http://x/live: Server returned 404 Not Found") {
		t.Errorf("err = %v", err)
	}

	_, err = checkPlayer(t, "silent-exit")
	if err == nil || !strings.HasPrefix(err.Error(), "no audio played") {
		t.Errorf("err = %v", err)
	}
}

func TestPlayer_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	cfg := types.CheckConfig{PlayerDuration: time.Second}
	_, err := NewPlayer("ffmpeg", helperCommand("hang")).Check(ctx, "http://x/live", nil, cfg)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestPlayer_Args(t *testing.T) {
	var got []string
	record := func(ctx context.Context, name string, args ...string) *exec.Cmd {
		got = args
		return helperCommand("play")(ctx, name, args...)
	}
	cfg := types.CheckConfig{ConnectionTimeout: 2 * time.Second, PlayerDuration: 5 * time.Second}
	if _, err := NewPlayer("ffmpeg", record).Check(context.Background(), "http://x/live", nil, cfg); err != nil {
		t.Fatalf("Check: %v", err)
	}
	joined := strings.Join(got, " ")
	for _, want := range []string{"-progress pipe:1", "-rw_timeout 2000000", "-t 5.000 -i http://x/live", "-f null -"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if strings.Index(joined, "-nostats") > strings.Index(joined, "-i ") {
		t.Error("global options must precede the input")
	}
}

func TestReadProgress(t *testing.T) {
	input := "frame=1\nout_time_us=N/A\nout_time_ms=1500000\nout_time_us=2500000\nprogress=end\n"
	calls := 0
	played, startup := readProgress(strings.NewReader(input), func() time.Duration {
		calls++
		return 300 * time.Millisecond
	})
	if played != 2.5 {
		t.Errorf("played = %v, want 2.5", played)
	}
	if startup != 300*time.Millisecond || calls != 1 {
		t.Errorf("startup = %v after %d calls", startup, calls)
	}

	played, startup = readProgress(strings.NewReader("progress=end\n"), func() time.Duration { return time.Second })
	if played != 0 || startup != 0 {
		t.Errorf("empty progress = %v/%v", played, startup)
	}
}

func TestPacketLoss(t *testing.T) {
	if packetLoss([]string{"Stream #0:0: Audio: mp3"}) {
		t.Error("plain info line reported as loss")
	}
	if !packetLoss([]string{"[aac @ 0x1] Concealing 12 errors"}) {
		t.Error("concealment not reported as loss")
	}
}

func TestStderrLines(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "line %d\n\n", i)
	}
	lines := stderrLines(b.String())
	if len(lines) != maxReportedErrors || lines[0] != "line 0" {
		t.Errorf("lines = %q", lines)
	}
}
