package claude

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

// Fingerprint is the snapshot of what the vendor CLI sends on the wire: its
// request headers and the system prompt blocks it injects. Captured once per
// CLI version and cached on disk.
type Fingerprint struct {
	// Version is the CLI version string the snapshot was captured from.
	Version string `json:"version"`

	// Headers are the CLI's request headers, sensitive entries excluded.
	Headers map[string]string `json:"headers"`

	// System are the system prompt blocks the CLI sent, in order.
	System []map[string]any `json:"system"`

	// CapturedAt records when the snapshot was taken.
	CapturedAt time.Time `json:"captured_at"`
}

// sensitiveHeaders are never recorded or overlaid onto outgoing requests.
var sensitiveHeaders = map[string]bool{
	"authorization":  true,
	"x-api-key":      true,
	"host":           true,
	"content-length": true,
	"connection":     true,
}

// Detector captures and caches the CLI fingerprint. Capture runs at most
// once per process; every caller after the first shares the outcome.
type Detector struct {
	cacheDir string
	binary   string
	timeout  time.Duration

	once sync.Once
	fp   *Fingerprint
	err  error
}

// NewDetector creates a detector caching under cacheDir. An empty dir uses
// the default cache location.
func NewDetector(cacheDir string) *Detector {
	if cacheDir == "" {
		cacheDir = config.DefaultCacheDir()
	}
	return &Detector{
		cacheDir: cacheDir,
		binary:   "claude",
		timeout:  config.FingerprintCaptureTimeout,
	}
}

// Fingerprint returns the snapshot, capturing it on first use. A nil
// fingerprint with a nil error never happens; callers that tolerate capture
// failure check the error and proceed bare.
func (d *Detector) Fingerprint(ctx context.Context) (*Fingerprint, error) {
	d.once.Do(func() {
		d.fp, d.err = d.detect(ctx)
	})
	return d.fp, d.err
}

func (d *Detector) detect(ctx context.Context) (*Fingerprint, error) {
	version, err := d.cliVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("vendor cli unavailable: %w", err)
	}

	path := d.cachePath(version)
	if fp, err := loadFingerprint(path); err == nil {
		slog.DebugContext(ctx, "fingerprint cache hit", "version", version)
		return fp, nil
	}

	fp, err := d.capture(ctx, version)
	if err != nil {
		return nil, err
	}

	if err := saveFingerprint(path, fp); err != nil {
		slog.WarnContext(ctx, "fingerprint cache write failed", "error", err)
	}
	return fp, nil
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
	return filepath.Join(d.cacheDir, "claude-fingerprint-"+safe+".json")
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

// capture runs the CLI once against a local sink server and records the
// first request it makes.
func (d *Detector) capture(ctx context.Context, version string) (*Fingerprint, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	type captured struct {
		headers http.Header
		body    []byte
	}
	got := make(chan captured, 1)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(io.LimitReader(r.Body, 4<<20))
		select {
		case got <- captured{headers: r.Header.Clone(), body: body}:
		default:
		}
		// A minimal well-formed reply lets the CLI exit cleanly.
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"msg_capture","type":"message","role":"assistant","model":"claude","content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	})}
	go srv.Serve(ln)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.binary, "-p", "hi", "--max-turns", "1")
	cmd.Env = append(os.Environ(),
		"ANTHROPIC_BASE_URL=http://"+ln.Addr().String(),
		"ANTHROPIC_API_KEY=capture",
	)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	// The CLI may keep running after its first request; the capture only
	// needs that one. Wait in the background so the process is reaped.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var c captured
	select {
	case c = <-got:
	case err := <-done:
		select {
		case c = <-got:
		default:
			return nil, fmt.Errorf("cli exited before making a request: %v", err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("fingerprint capture timed out after %s", d.timeout)
	}

	fp := &Fingerprint{
		Version:    version,
		Headers:    make(map[string]string),
		CapturedAt: time.Now().UTC(),
	}
	for name := range c.headers {
		if sensitiveHeaders[strings.ToLower(name)] {
			continue
		}
		fp.Headers[name] = c.headers.Get(name)
	}

	var body map[string]any
	if err := json.Unmarshal(c.body, &body); err == nil {
		fp.System = systemBlocks(body["system"])
	}
	return fp, nil
}

// systemBlocks normalises the captured system field to block form.
func systemBlocks(v any) []map[string]any {
	switch t := v.(type) {
	case string:
		return []map[string]any{{"type": "text", "text": t}}
	case []any:
		var blocks []map[string]any
		for _, raw := range t {
			if block, ok := raw.(map[string]any); ok {
				blocks = append(blocks, block)
			}
		}
		return blocks
	default:
		return nil
	}
}

func loadFingerprint(path string) (*Fingerprint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fp Fingerprint
	if err := json.Unmarshal(raw, &fp); err != nil {
		return nil, err
	}
	return &fp, nil
}

// saveFingerprint writes atomically so a crashed capture never leaves a
// truncated cache file.
func saveFingerprint(path string, fp *Fingerprint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(fp, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".fingerprint-*")
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
