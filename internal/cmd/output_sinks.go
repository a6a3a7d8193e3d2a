package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/pulsegate/pulsegate/internal/output"
)

var errSinkConflict = errors.New("--out and --out-dir are mutually exclusive")

// sinkFlags is the --out / --out-dir pair shared by report commands.
// With --out-dir the file is named <report>.<ext>, e.g. rate-limit.list.json.
type sinkFlags struct {
	out    string
	outDir string
}

func (f *sinkFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.out, "out", "", "Write output to a file (default stdout)")
	cmd.Flags().StringVar(&f.outDir, "out-dir", "", "Write output to a directory")
}

func (f sinkFlags) validate() error {
	if strings.TrimSpace(f.out) != "" && strings.TrimSpace(f.outDir) != "" {
		return errSinkConflict
	}
	return nil
}

// open resolves the destination and opens it; stdout when neither flag is set.
func (f sinkFlags) open(report string, format output.Format) (*outputSink, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	path := strings.TrimSpace(f.out)
	if dir := strings.TrimSpace(f.outDir); dir != "" {
		abs, err := ensureOutDir(dir)
		if err != nil {
			return nil, err
		}
		path = filepath.Join(abs, report+"."+outputExtension(format))
	}
	return openSink(path)
}

type outputSink struct {
	writer io.Writer
	close  func() error
	path   string
}

func outputExtension(format output.Format) string {
	switch format {
	case output.FormatJSON:
		return "json"
	case output.FormatMarkdown:
		return "md"
	default:
		return "txt"
	}
}

func openSink(path string) (*outputSink, error) {
	if path == "" || path == "-" {
		return &outputSink{writer: os.Stdout, close: func() error { return nil }, path: "-"}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return &outputSink{writer: file, close: file.Close, path: path}, nil
}

func ensureOutDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir, nil
	}
	return abs, nil
}

// summaryField is one line of an admin command result. Fields without a
// label are JSON only; display overrides value in the text form.
type summaryField struct {
	key     string
	label   string
	value   any
	display string
}

// writeSummary prints fields as a JSON object keyed by key, or as a boxed
// "label: value" list under title.
func writeSummary(w io.Writer, format output.Format, title string, fields []summaryField) error {
	if format == output.FormatJSON {
		result := make(map[string]any, len(fields))
		for _, f := range fields {
			result[f.key] = f.value
		}
		payload, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	}

	lines := []string{title, ""}
	for _, f := range fields {
		if f.label == "" {
			continue
		}
		if f.display != "" {
			lines = append(lines, f.label+": "+f.display)
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %v", f.label, f.value))
	}
	_, err := fmt.Fprint(w, ascii.DrawBox(strings.Join(lines, "\n"), 0))
	return err
}
