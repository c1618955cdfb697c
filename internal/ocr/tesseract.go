// Package ocr reads text from scanned PDF pages with the poppler and
// tesseract command line tools.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"study-rag/internal/config"
)

// CommandRunner runs an external command and returns its stdout
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Tesseract renders a page to PNG with pdftoppm and reads it back with
// tesseract.
type Tesseract struct {
	runner    CommandRunner
	pdftoppm  string
	tesseract string
	language  string
	dpi       int
}

func NewTesseract(cfg *config.OCRConfig, runner CommandRunner) *Tesseract {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Tesseract{
		runner:    runner,
		pdftoppm:  cfg.Pdftoppm,
		tesseract: cfg.Tesseract,
		language:  cfg.Language,
		dpi:       cfg.DPI,
	}
}

// Available reports whether both binaries are on PATH
func (t *Tesseract) Available() bool {
	for _, bin := range []string{t.pdftoppm, t.tesseract} {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	return true
}

// OCRPage returns the text tesseract finds on the 1-based page of pdf.
func (t *Tesseract) OCRPage(ctx context.Context, pdf []byte, page int) (string, error) {
	dir, err := os.MkdirTemp("", "study-rag-ocr-")
	if err != nil {
		return "", fmt.Errorf("failed to create ocr workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(input, pdf, 0o600); err != nil {
		return "", fmt.Errorf("failed to write ocr input: %w", err)
	}

	prefix := filepath.Join(dir, "page")
	n := strconv.Itoa(page)
	if _, err := t.runner.Run(ctx, t.pdftoppm,
		"-f", n, "-l", n,
		"-r", strconv.Itoa(t.dpi),
		"-png", "-singlefile",
		input, prefix,
	); err != nil {
		return "", err
	}

	args := []string{prefix + ".png", "stdout"}
	if t.language != "" {
		args = append(args, "-l", t.language)
	}
	out, err := t.runner.Run(ctx, t.tesseract, args...)
	if err != nil {
		return "", err
	}
	log.Debug().Int("page", page).Int("chars", len(out)).Msg("OCR finished")
	return string(out), nil
}
