package actions

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/SPRIME01/homelab-infra/internal/config"
	"github.com/SPRIME01/homelab-infra/internal/model"
)

const (
	networkCaptureWindow = 60 * time.Second
	forensicsTimeout     = 10 * time.Minute
)

// CaptureForensics gathers network, process and filesystem evidence for a
// target (a host address, a path, or "workload:<id>") into a capture
// directory and packs it into a zstd-compressed tar bundle. Individual
// capture failures are recorded in the result, never fatal; exceeding the
// configured size bound is a warning, not a failure.
type CaptureForensics struct {
	params model.CaptureForensicsParams
	cfg    *config.Config
	runner CommandRunner
	logger *slog.Logger

	// eventID is stamped into the capture metadata.
	eventID string
}

func newCaptureForensics(rec *model.ActionRecord, deps Deps) (Action, error) {
	var params model.CaptureForensicsParams
	if err := rec.DecodeParams(&params); err != nil {
		return nil, err
	}
	if params.Target == "" {
		return nil, fmt.Errorf("capture forensics: missing target")
	}
	if len(params.CaptureSet) == 0 {
		params.CaptureSet = []string{"network", "process", "filesystem"}
	}
	return &CaptureForensics{
		params:  params,
		cfg:     deps.Config,
		runner:  deps.Runner,
		logger:  deps.Logger,
		eventID: rec.EventID,
	}, nil
}

// Kind returns the action kind.
func (a *CaptureForensics) Kind() model.ActionKind { return model.ActionKindCaptureForensics }

// Execute performs the requested captures and bundles the results.
func (a *CaptureForensics) Execute(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, forensicsTimeout)
	defer cancel()

	safe := sanitizeName(a.params.Target)
	captureDir := filepath.Join(a.cfg.Forensics.CaptureDir,
		fmt.Sprintf("%s-%s", safe, time.Now().Format("20060102-150405")))
	if err := os.MkdirAll(captureDir, 0o755); err != nil {
		return "", fmt.Errorf("create capture dir: %w", err)
	}

	a.logger.Info("Capturing forensic data",
		"target", a.params.Target, "capture_set", a.params.CaptureSet, "dir", captureDir)

	var results []string
	for _, capture := range a.params.CaptureSet {
		var err error
		switch capture {
		case "network":
			err = a.captureNetwork(ctx, captureDir)
		case "process":
			err = a.captureProcesses(ctx, captureDir)
		case "filesystem":
			err = a.captureFilesystem(ctx, captureDir)
		default:
			err = fmt.Errorf("unknown capture type %q", capture)
		}
		if err != nil {
			a.logger.Warn("Capture step failed", "capture", capture, "error", err)
			results = append(results, fmt.Sprintf("%s capture failed: %v", capture, err))
			continue
		}
		results = append(results, capture+" captured")
	}

	metadata := map[string]any{
		"event_id":    a.eventID,
		"target":      a.params.Target,
		"capture_set": a.params.CaptureSet,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"results":     results,
	}
	metadataJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal capture metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(captureDir, "metadata.json"), metadataJSON, 0o644); err != nil {
		return "", fmt.Errorf("write capture metadata: %w", err)
	}

	bundle, size, err := a.writeBundle(captureDir)
	if err != nil {
		return "", err
	}
	if size > a.cfg.Forensics.MaxCaptureBytes {
		a.logger.Warn("Forensic capture exceeds configured maximum size",
			"bundle", bundle, "size_bytes", size, "max_bytes", a.cfg.Forensics.MaxCaptureBytes)
	}

	return fmt.Sprintf("forensic data captured to %s (bundle %s): %s",
		captureDir, bundle, strings.Join(results, "; ")), nil
}

// captureNetwork runs tcpdump against the target for a bounded window. The
// capture window elapsing is success, not an error.
func (a *CaptureForensics) captureNetwork(ctx context.Context, dir string) error {
	tcpdump, ok := a.cfg.Forensics.Tools["tcpdump"]
	if !ok {
		return fmt.Errorf("no tcpdump tool configured")
	}

	captureCtx, cancel := context.WithTimeout(ctx, networkCaptureWindow)
	defer cancel()

	target := strings.TrimPrefix(a.params.Target, "workload:")
	pcap := filepath.Join(dir, "network.pcap")
	_, err := a.runner.Run(captureCtx, tcpdump,
		"-i", "any", "-w", pcap, "-c", "10000", "host", target)
	if err != nil && !errors.Is(captureCtx.Err(), context.DeadlineExceeded) {
		return err
	}
	return nil
}

// captureProcesses records the process table, from inside the workload when
// the target is one.
func (a *CaptureForensics) captureProcesses(ctx context.Context, dir string) error {
	var out string
	var err error
	if workload, ok := strings.CutPrefix(a.params.Target, "workload:"); ok {
		out, err = a.runner.Run(ctx, a.cfg.Workload.Engine, "top", workload, "auxf")
	} else {
		out, err = a.runner.Run(ctx, "ps", "auxf")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "processes.txt"), []byte(out), 0o644)
}

// captureFilesystem exports a workload filesystem, or records recent-file
// listings for host targets to keep capture size bounded.
func (a *CaptureForensics) captureFilesystem(ctx context.Context, dir string) error {
	if workload, ok := strings.CutPrefix(a.params.Target, "workload:"); ok {
		_, err := a.runner.Run(ctx, a.cfg.Workload.Engine, "export",
			"-o", filepath.Join(dir, "filesystem.tar"), workload)
		return err
	}

	targets := []string{"/tmp", "/var/tmp", "/home"}
	if info, err := os.Stat(a.params.Target); err == nil && info.IsDir() {
		targets = []string{a.params.Target}
	}

	var listing strings.Builder
	for _, target := range targets {
		fmt.Fprintf(&listing, "=== %s ===\n", target)
		out, err := a.runner.Run(ctx, "find", target, "-type", "f", "-mtime", "-2", "-ls")
		if err != nil {
			fmt.Fprintf(&listing, "listing failed: %v\n", err)
			continue
		}
		listing.WriteString(out)
		listing.WriteString("\n")
	}
	return os.WriteFile(filepath.Join(dir, "files.txt"), []byte(listing.String()), 0o644)
}

// writeBundle packs the capture directory into <dir>.tar.zst and returns the
// bundle path and its size.
func (a *CaptureForensics) writeBundle(dir string) (string, int64, error) {
	bundlePath := dir + ".tar.zst"
	f, err := os.Create(bundlePath)
	if err != nil {
		return "", 0, fmt.Errorf("create bundle: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return "", 0, fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = rel
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		tw.Close()
		zw.Close()
		return "", 0, fmt.Errorf("pack bundle: %w", err)
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return "", 0, fmt.Errorf("finalize bundle: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", 0, fmt.Errorf("finalize bundle: %w", err)
	}

	info, err := os.Stat(bundlePath)
	if err != nil {
		return "", 0, fmt.Errorf("stat bundle: %w", err)
	}
	return bundlePath, info.Size(), nil
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// sanitizeName makes an identifier safe for use in file names.
func sanitizeName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}
