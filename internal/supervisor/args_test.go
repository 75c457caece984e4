package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"media-orchestrator/internal/models"
)

func argValue(args []string, flag string) (string, bool) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1], true
		}
	}
	return "", false
}

func TestBuildArgsDefaults(t *testing.T) {
	args := BuildArgs("/media/a.mp4", "rtmp://ingest/live/key", models.StreamSettings{})

	if args[len(args)-2] != "flv" || args[len(args)-1] != "rtmp://ingest/live/key" {
		t.Fatalf("expected flv target at the end, got %v", args[len(args)-2:])
	}
	want := map[string]string{
		"-i":       "/media/a.mp4",
		"-c:v":     "libx264",
		"-b:v":     "2500k",
		"-maxrate": "2500k",
		"-bufsize": "5000k",
		"-r":       "30",
		"-g":       "60",
		"-c:a":     "aac",
		"-b:a":     "128k",
		"-ar":      "44100",
		"-vf":      "scale=1280:720:force_original_aspect_ratio=decrease,pad=1280:720:(ow-iw)/2:(oh-ih)/2",
	}
	for flag, value := range want {
		if got, ok := argValue(args, flag); !ok || got != value {
			t.Errorf("%s: expected %q, got %q", flag, value, got)
		}
	}
	if _, ok := argValue(args, "-t"); ok {
		t.Error("no duration limit expected")
	}
	if _, ok := argValue(args, "-stream_loop"); ok {
		t.Error("no loop expected")
	}
	if strings.Index(strings.Join(args, " "), "-re") > strings.Index(strings.Join(args, " "), "-i ") {
		t.Error("-re must precede the input")
	}
}

func TestBuildArgsCustomSettings(t *testing.T) {
	args := BuildArgs("in.mp4", "rtmp://x/y", models.StreamSettings{
		Resolution:       "1920x1080",
		VideoBitrateKbps: 6000,
		FPS:              60,
		VideoCodec:       "libx265",
		AudioBitrateKbps: 192,
		AudioCodec:       "libopus",
		DurationLimit:    90 * time.Minute,
		Portrait:         true,
		Loop:             true,
	})
	if got, _ := argValue(args, "-stream_loop"); got != "-1" {
		t.Fatalf("expected -stream_loop -1, got %q", got)
	}
	if got, _ := argValue(args, "-t"); got != "5400" {
		t.Fatalf("expected -t 5400, got %q", got)
	}
	if got, _ := argValue(args, "-g"); got != "120" {
		t.Fatalf("expected GOP of 120, got %q", got)
	}
	if got, _ := argValue(args, "-vf"); !strings.HasPrefix(got, "scale=1080:1920") || !strings.Contains(got, "pad=1080:1920") {
		t.Fatalf("expected portrait scale, got %q", got)
	}
	if got, _ := argValue(args, "-bufsize"); got != "12000k" {
		t.Fatalf("expected bufsize 12000k, got %q", got)
	}
}

func TestBuildArgsInvalidResolutionFallsBack(t *testing.T) {
	args := BuildArgs("in.mp4", "rtmp://x", models.StreamSettings{Resolution: "huge"})
	if got, _ := argValue(args, "-vf"); !strings.HasPrefix(got, "scale=1280:720") {
		t.Fatalf("expected default resolution, got %q", got)
	}
}

func TestParseResolution(t *testing.T) {
	if w, h, err := ParseResolution("854X480"); err != nil || w != 854 || h != 480 {
		t.Fatalf("ParseResolution = %d %d %v", w, h, err)
	}
	for _, bad := range []string{"", "1280", "0x720", "axb", "1280x-1"} {
		if _, _, err := ParseResolution(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestTargetURL(t *testing.T) {
	if got := TargetURL("rtmp://a.example.com/live2/", "key", models.StreamSettings{}); got != "rtmp://a.example.com/live2/key" {
		t.Fatalf("unexpected target %q", got)
	}
	custom := models.StreamSettings{CustomIngestURL: "rtmp://custom/app/stream"}
	if got := TargetURL("rtmp://ignored", "key", custom); got != "rtmp://custom/app/stream" {
		t.Fatalf("expected custom ingest url, got %q", got)
	}
}

func TestFingerprint(t *testing.T) {
	first := Fingerprint("abcd-efgh")
	if first == "" || first != Fingerprint(" abcd-efgh ") {
		t.Fatalf("fingerprint should be stable, got %q", first)
	}
	if strings.Contains(first, "abcd") || !strings.HasPrefix(first, "b2:") {
		t.Fatalf("unexpected fingerprint %q", first)
	}
	if first == Fingerprint("other") {
		t.Fatal("different keys must not collide")
	}
	if Fingerprint("") != "" {
		t.Fatal("empty key has no fingerprint")
	}
}

func TestSplitByNewlineOrCR(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader("frame=1\rframe=2\r\nerror here\n\ntail"))
	scanner.Split(splitByNewlineOrCR)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if got := strings.Join(lines, "|"); got != "frame=1|frame=2|error here|tail" {
		t.Fatalf("unexpected lines %q", got)
	}
}

func TestSweeper(t *testing.T) {
	var calls [][]string
	noMatch := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		if _, err := exec.LookPath("sh"); err != nil {
			t.Skip("sh not available")
		}
		return nil, exec.Command("sh", "-c", "exit 1").Run()
	}
	sweeper := Sweeper{Binary: "/usr/local/bin/ffmpeg", Logger: testLogger(), list: noMatch}
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("expected no-match to succeed, got %v", err)
	}
	if got := strings.Join(calls[0], " "); got != "pgrep -f ^([^ ]*/)?ffmpeg( |$)" {
		t.Fatalf("unexpected command %q", got)
	}

	sweeper.list = func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("permission denied")
	}
	if err := sweeper.Sweep(context.Background()); err == nil {
		t.Fatal("expected sweep error")
	}

	calls = nil
	disabled := Sweeper{Disabled: true, list: noMatch}
	if err := disabled.Sweep(context.Background()); err != nil || len(calls) != 0 {
		t.Fatalf("disabled sweeper must not run, got %v %d", err, len(calls))
	}
}

func TestSweeperNeverSignalsItself(t *testing.T) {
	self, parent := os.Getpid(), os.Getppid()
	// Above the kernel pid limit, so never a live process.
	orphan, exited := 1<<30, 1<<30+1
	var signaled []int
	sweeper := Sweeper{
		Binary: "ffmpeg",
		Logger: testLogger(),
		list: func(context.Context, string, ...string) ([]byte, error) {
			return []byte(fmt.Sprintf("%d\n%d\n%d\n%d\n", self, orphan, parent, exited)), nil
		},
		signal: func(pid int) error {
			signaled = append(signaled, pid)
			if pid == exited {
				return os.ErrProcessDone
			}
			return nil
		},
	}
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(signaled) != 2 || signaled[0] != orphan || signaled[1] != exited {
		t.Fatalf("expected only stream pids to be signaled, got %v", signaled)
	}

	sweeper.signal = func(int) error { return errors.New("operation not permitted") }
	if err := sweeper.Sweep(context.Background()); err == nil || !strings.Contains(err.Error(), fmt.Sprintf("pid %d", orphan)) {
		t.Fatalf("expected signal failure to surface, got %v", err)
	}
}

func TestSweepPatternMatchesOnlyTheBinary(t *testing.T) {
	re := regexp.MustCompile(sweepPattern("/usr/bin/ffmpeg"))
	cases := []struct {
		line string
		want bool
	}{
		{"ffmpeg -re -i a.mp4 -f flv rtmp://x/key", true},
		{"/usr/bin/ffmpeg -re -i a.mp4", true},
		{"ffmpeg", true},
		{"orchestrator -ffmpeg /usr/bin/ffmpeg", false},
		{"/opt/bin/orchestrator -config /etc/ffmpeg/orch.yaml", false},
		{"/tmp/supervisor.test -test.run Sweep", false},
		{"ffmpeg-wrapper -i a.mp4", false},
	}
	for _, tc := range cases {
		if got := re.MatchString(tc.line); got != tc.want {
			t.Errorf("match %q = %v, want %v", tc.line, got, tc.want)
		}
	}
}
