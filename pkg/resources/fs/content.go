package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"path"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/transports"
)

// Renderer renders a named template with resource attributes.
type Renderer interface {
	Render(name string, data map[string]any) (string, error)
}

// ErrTemplateNotFound is returned when no filesystem holds the template.
var ErrTemplateNotFound = errors.New("template not found")

// TemplateRenderer renders text/template files with the sprig function set.
// Filesystems are searched in order.
type TemplateRenderer struct {
	fsys []iofs.FS
}

// NewTemplateRenderer creates a renderer over fsys, skipping nil entries.
func NewTemplateRenderer(fsys ...iofs.FS) *TemplateRenderer {
	r := &TemplateRenderer{}
	for _, f := range fsys {
		if f != nil {
			r.fsys = append(r.fsys, f)
		}
	}
	return r
}

// Render implements Renderer.
func (r *TemplateRenderer) Render(name string, data map[string]any) (string, error) {
	src, err := r.read(name)
	if err != nil {
		return "", err
	}
	tpl, err := template.New(path.Base(name)).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=zero").
		Parse(string(src))
	if err != nil {
		return "", fmt.Errorf("template syntax error in %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.String(), nil
}

func (r *TemplateRenderer) read(name string) ([]byte, error) {
	for _, f := range r.fsys {
		b, err := iofs.ReadFile(f, name)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, iofs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrTemplateNotFound)
}

// Content returns the declared content: the content attribute, else the
// rendered template, else the empty string.
func (n *Node) Content() (string, error) {
	attrs := n.Attrs()
	if attrs.IsSet("content") {
		s, ok := attrs["content"].(string)
		if !ok {
			return "", n.Errorf("content must be a string (got %T)", attrs["content"])
		}
		return s, nil
	}
	name := attrs.String("template")
	if name == "" {
		return "", nil
	}

	data := map[string]any(attrs.Clone())
	data["name"] = n.Name()
	out, err := NewTemplateRenderer(n.Env().Templates, n.templates).Render(name, data)
	if err != nil {
		return "", n.Fail(resource.NewConfigurationError("failed to render template", err))
	}
	return out, nil
}

// desired returns the content to transfer, in the declared newline style.
func (n *Node) desired() (string, error) {
	content, err := n.Content()
	if err != nil {
		return "", err
	}
	return normalizeNewlines(content, n.newlines()), nil
}

func (n *Node) newlines() string {
	if nl := n.Attrs().String("newlines"); nl != "" {
		return nl
	}
	return "\n"
}

// Diff returns a unified diff from the current remote content to the
// declared content. Both sides are normalised to the declared newlines
// first; an empty result means the file is up to date.
func (n *Node) Diff(ctx context.Context) (string, error) {
	want, err := n.desired()
	if err != nil {
		return "", err
	}
	have, err := n.remoteContent(ctx)
	if err != nil {
		return "", err
	}
	nl := n.newlines()
	have = normalizeNewlines(have, nl)

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(have),
		B:        difflib.SplitLines(want),
		FromFile: "old",
		ToFile:   "new",
		Context:  3,
		Eol:      "\n",
	})
	if err != nil {
		return "", n.Fail(resource.NewConfigurationError("failed to diff content", err))
	}
	return diff, nil
}

func (n *Node) remoteContent(ctx context.Context) (string, error) {
	exists, err := n.ExistsAt(ctx, "")
	if err != nil || !exists {
		return "", err
	}
	readable, err := n.access(ctx, n.Path(), transports.AccessRead)
	if err != nil {
		return "", err
	}
	res, err := n.Exec(ctx, !readable, transports.Command("cat", n.Path()), transports.Quiet())
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// normalizeNewlines rewrites every line break as nl, keeping a trailing
// break if there was one.
func normalizeNewlines(s, nl string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	if nl == "\n" {
		return s
	}
	return strings.ReplaceAll(s, "\n", nl)
}
