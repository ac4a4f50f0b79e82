package engine

import (
	"context"
	"strconv"
	"strings"

	"github.com/bendavis78/quilt/pkg/settings"
	"github.com/bendavis78/quilt/pkg/transports"
)

// Facts describes the target. They are queried live at the start of every
// run and exposed to manifests under the "facts" settings namespace.
type Facts struct {
	OS       OSFacts `json:"os"`
	Kernel   string  `json:"kernel"`
	Arch     string  `json:"arch"`
	Hostname string  `json:"hostname"`
	CPUs     int     `json:"cpus"`
}

// OSFacts contains OS information from /etc/os-release.
type OSFacts struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	// Codename is VERSION_CODENAME, e.g. "bookworm".
	Codename string `json:"codename"`
}

// GatherFacts queries host. Facts that cannot be read are left empty;
// only transport failures are returned.
func GatherFacts(ctx context.Context, host transports.Host) (Facts, error) {
	var facts Facts
	read := func(cmd string) (string, error) {
		res, err := host.Run(ctx, cmd, transports.Quiet())
		if err != nil || !res.Succeeded() {
			return "", err
		}
		return strings.TrimSpace(res.Stdout), nil
	}

	out, err := read("cat /etc/os-release")
	if err != nil {
		return facts, err
	}
	facts.OS = parseOSRelease(out)

	if facts.Kernel, err = read("uname -r"); err != nil {
		return facts, err
	}
	if facts.Arch, err = read("uname -m"); err != nil {
		return facts, err
	}
	if facts.Hostname, err = read("hostname"); err != nil {
		return facts, err
	}
	if out, err = read("nproc"); err != nil {
		return facts, err
	}
	facts.CPUs, _ = strconv.Atoi(out)
	return facts, nil
}

func parseOSRelease(content string) OSFacts {
	var facts OSFacts
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			facts.ID = value
		case "NAME":
			facts.Name = value
		case "VERSION_ID":
			facts.Version = value
		case "VERSION_CODENAME":
			facts.Codename = value
		}
	}
	return facts
}

// Store writes the facts into store under "facts".
func (f Facts) Store(store *settings.Store) {
	store.Sub("facts").Merge(map[string]any{
		"os": map[string]any{
			"id":       f.OS.ID,
			"name":     f.OS.Name,
			"version":  f.OS.Version,
			"codename": f.OS.Codename,
		},
		"kernel":   f.Kernel,
		"arch":     f.Arch,
		"hostname": f.Hostname,
		"cpus":     f.CPUs,
	})
}
