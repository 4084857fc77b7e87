package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/nugget/ideaworks/internal/buildinfo"
)

// printer renders command results as text or indented JSON.
type printer struct {
	w      io.Writer
	format string
}

// emit writes v as JSON, or calls text for the human-readable form.
func (p *printer) emit(v any, text func(io.Writer)) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(p.w)
	return nil
}

func runVersion(out *printer) error {
	info := buildinfo.BuildInfo()
	return out.emit(info, func(w io.Writer) {
		fmt.Fprintln(w, buildinfo.String())
		for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
		}
	})
}
