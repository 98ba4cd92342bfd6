package vnode

import (
	"context"
	"os"
	"sort"
	"sync"

	"github.com/charlievieth/fastwalk"
)

// Discovered is the result of parsing one manifest file.
type Discovered struct {
	Path     string
	Manifest *Manifest
	Err      error
}

// Discover walks dir for YAML and TOML manifests and parses each one.
// Results are ordered by path; files that fail to parse carry their error.
func Discover(ctx context.Context, dir string) ([]Discovered, error) {
	var (
		mu  sync.Mutex
		out []Discovered
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, dir, func(p string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil || d.IsDir() {
			return nil
		}
		if _, ok := FormatFor(p); !ok {
			return nil
		}

		m, perr := ParseFile(p)
		mu.Lock()
		out = append(out, Discovered{Path: p, Manifest: m, Err: perr})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
