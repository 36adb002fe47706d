package codex

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"ccproxy-hq/ccproxy/pkg/config"
)

// baselineInstructions is used when no CLI capture is available. The
// upstream rejects requests whose instructions do not open with a Codex
// identity preamble.
const baselineInstructions = "You are Codex, based on GPT-5. You are running as a coding agent in the Codex CLI on a user's computer."

// Capture is the snapshot of the instruction string the vendor CLI sends,
// cached on disk keyed by CLI version.
type Capture struct {
	// Version is the CLI version the snapshot came from.
	Version string `json:"version"`

	// Instructions is the system-instruction string the CLI sent.
	Instructions string `json:"instructions"`

	// CapturedAt records when the snapshot was taken.
	CapturedAt time.Time `json:"captured_at"`
}

// Detector supplies the mandatory instruction string, capturing it from the
// vendor CLI once per process and falling back to the builtin baseline.
type Detector struct {
	cacheDir string
	binary   string
	timeout  time.Duration

	once         sync.Once
	instructions string
}

// NewDetector creates a detector caching under cacheDir. An empty dir uses
// the default cache location.
func NewDetector(cacheDir string) *Detector {
	if cacheDir == "" {
		cacheDir = config.DefaultCacheDir()
	}
	return &Detector{
		cacheDir: cacheDir,
		binary:   "codex",
		timeout:  config.FingerprintCaptureTimeout,
	}
}

// Instructions returns the instruction string to prepend. Never empty:
// capture failure degrades to the baseline.
func (d *Detector) Instructions(ctx context.Context) string {
	d.once.Do(func() {
		captured, err := d.detect(ctx)
		if err != nil {
			slog.DebugContext(ctx, "instruction capture unavailable, using baseline", "error", err)
			d.instructions = baselineInstructions
			return
		}
		d.instructions = captured.Instructions
	})
	return d.instructions
}

func (d *Detector) detect(ctx context.Context) (*Capture, error) {
	version, err := d.cliVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("vendor cli unavailable: %w", err)
	}

	path := d.cachePath(version)
	if c, err := loadCapture(path); err == nil {
		return c, nil
	}

	c, err := d.capture(ctx, version)
	if err != nil {
		return nil, err
	}
	if err := saveCapture(path, c); err != nil {
		slog.WarnContext(ctx, "instruction cache write failed", "error", err)
	}
	return c, nil
}

func (d *Detector) cliVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.binary, "--version").Output()
	if err != nil {
		return "", err
	}
	version := strings.TrimSpace(string(out))
	if version == "" {
		return "", fmt.Errorf("empty version output")
	}
	return version, nil
}

func (d *Detector) cachePath(version string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, version)
	return filepath.Join(d.cacheDir, "codex-instructions-"+safe+".json")
}

// capture runs the CLI once against a local sink and records the
// instructions field of the first request body.
func (d *Detector) capture(ctx context.Context, version string) (*Capture, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	got := make(chan string, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(io.LimitReader(r.Body, 4<<20))
		var body map[string]any
		if json.Unmarshal(raw, &body) == nil {
			if s, ok := body["instructions"].(string); ok && s != "" {
				select {
				case got <- s:
				default:
				}
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp_capture\",\"status\":\"completed\",\"output\":[]}}\n\n")
	})}
	go srv.Serve(ln)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.binary, "exec", "hi")
	cmd.Env = append(os.Environ(), "OPENAI_BASE_URL=http://"+ln.Addr().String())
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case instructions := <-got:
		return &Capture{Version: version, Instructions: instructions, CapturedAt: time.Now().UTC()}, nil
	case err := <-done:
		select {
		case instructions := <-got:
			return &Capture{Version: version, Instructions: instructions, CapturedAt: time.Now().UTC()}, nil
		default:
			return nil, fmt.Errorf("cli exited before sending instructions: %v", err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("instruction capture timed out after %s", d.timeout)
	}
}

func loadCapture(path string) (*Capture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Capture
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if c.Instructions == "" {
		return nil, fmt.Errorf("cached capture has empty instructions")
	}
	return &c, nil
}

func saveCapture(path string, c *Capture) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".instructions-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
