// Package scaffold generates the on-disk layout of a federated project: a
// README, shared folders, server config and client data partitions.
package scaffold

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/okian/fedlab/pkg/logger"
)

// Mode selects which parts of the project are generated.
type Mode string

// Supported modes.
const (
	ModeClientOnly Mode = "client-only"
	ModeServerOnly Mode = "server-only"
	ModeFull       Mode = "full"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Defaults used by the scaffold command.
const (
	DefaultBaseDir  = "flower-fl"
	DefaultClientID = "1"
)

// DefaultClasses are the image categories of the demo dataset.
var DefaultClasses = []string{"Food", "movie", "notes", "real_life", "shopping"} //nolint:gochecknoglobals // default class list

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl")) //nolint:gochecknoglobals // parsed once

// ModeFromFlags maps the -server / -full flags to a Mode.
func ModeFromFlags(server, full bool) (Mode, error) {
	switch {
	case server && full:
		return "", ErrConflictingMode
	case server:
		return ModeServerOnly, nil
	case full:
		return ModeFull, nil
	default:
		return ModeClientOnly, nil
	}
}

// ParseClasses splits a comma separated list, dropping blanks.
func ParseClasses(list string) []string {
	var out []string
	for _, c := range strings.Split(list, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Options describes one generation run.
type Options struct {
	BaseDir  string
	ClientID string
	Classes  []string
	Mode     Mode
}

func (o Options) validate() error {
	switch o.Mode {
	case ModeClientOnly, ModeServerOnly, ModeFull:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, o.Mode)
	}
	if o.withClient() {
		if !safeName(o.ClientID) {
			return fmt.Errorf("%w: %q", ErrInvalidClientID, o.ClientID)
		}
		if len(o.Classes) == 0 {
			return ErrNoClasses
		}
		for _, c := range o.Classes {
			if !safeName(c) {
				return fmt.Errorf("%w: class %q", ErrNoClasses, c)
			}
		}
	}
	return nil
}

func (o Options) withServer() bool { return o.Mode == ModeServerOnly || o.Mode == ModeFull }
func (o Options) withClient() bool { return o.Mode == ModeClientOnly || o.Mode == ModeFull }

func safeName(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

// Result lists what was written, relative to BaseDir.
type Result struct {
	Dirs  []string `json:"dirs"`
	Files []string `json:"files"`
}

// ClientDataDir is the partition root of the generated client.
func (o Options) ClientDataDir() string {
	return filepath.Join(o.BaseDir, "client", "data", "client_"+o.ClientID)
}

type file struct {
	path     string
	template string
}

type templateData struct {
	BaseDir  string
	ClientID string
	Classes  []string
	Mode     Mode
	Server   bool
	Client   bool
}

// Generate creates the directories and renders the files for o. Files are
// overwritten on rerun; existing data directories are left as they are.
func Generate(ctx context.Context, o Options) (Result, error) {
	if o.BaseDir == "" {
		o.BaseDir = DefaultBaseDir
	}
	if err := o.validate(); err != nil {
		return Result{}, err
	}
	log := logger.Get().Named("scaffold")

	dirs := []string{filepath.Join("common", "models"), filepath.Join("common", "utils")}
	files := []file{
		{"README.md", "readme.md.tmpl"},
		{filepath.Join("common", "models", "README.md"), "models.md.tmpl"},
		{filepath.Join("common", "utils", "README.md"), "utils.md.tmpl"},
	}
	if o.withServer() {
		dirs = append(dirs, "server")
		files = append(files,
			file{filepath.Join("server", "config.yaml"), "server_config.yaml.tmpl"},
			file{filepath.Join("server", "Dockerfile"), "Dockerfile.tmpl"},
		)
	}
	if o.withClient() {
		clientData := filepath.Join("client", "data", "client_"+o.ClientID)
		for _, split := range []string{"train", "test"} {
			for _, c := range o.Classes {
				dirs = append(dirs, filepath.Join(clientData, split, c))
			}
		}
		files = append(files, file{filepath.Join("client", "config.yaml"), "client_config.yaml.tmpl"})
	}

	data := templateData{
		BaseDir:  o.BaseDir,
		ClientID: o.ClientID,
		Classes:  o.Classes,
		Mode:     o.Mode,
		Server:   o.withServer(),
		Client:   o.withClient(),
	}

	var res Result
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := os.MkdirAll(filepath.Join(o.BaseDir, d), dirPerm); err != nil {
			return res, fmt.Errorf("create %s: %w", d, err)
		}
		res.Dirs = append(res.Dirs, d)
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := render(filepath.Join(o.BaseDir, f.path), f.template, data); err != nil {
			return res, err
		}
		res.Files = append(res.Files, f.path)
	}

	log.Info(ctx, "project structure created",
		logger.String("base_dir", o.BaseDir),
		logger.String("mode", string(o.Mode)),
		logger.Int("dirs", len(res.Dirs)),
		logger.Int("files", len(res.Files)),
	)
	return res, nil
}

func render(path, name string, data templateData) error {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, buf.Bytes(), filePerm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
