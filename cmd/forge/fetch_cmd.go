package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/crane"
	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/forgeworks/forge/buildfile"
	"github.com/forgeworks/forge/query"
)

// FetchCmd resolves the external OCI-packaged toolchains a set of targets
// declare. It never schedules any action; it
// only makes sure every referenced image is present in the local fetch
// cache before a later `build`/`test` invocation runs.
type FetchCmd struct {
	BuildFile string   `default:"build.json" placeholder:"<path>" help:"serialized action description (see buildfile package)"`
	CacheDir  string   `default:"/tmp/forge-fetch" placeholder:"<dir>" help:"directory external images are exported into, keyed by digest"`
	Patterns  []string `arg:"" help:"target patterns whose transitive deps name external repositories to fetch"`
}

func (c *FetchCmd) Run(cctx *Context) error {
	f, err := buildfile.Load(c.BuildFile)
	if err != nil {
		return err
	}

	loader := query.NewLoader(f.Provider(), nil, func(label query.Label, err error) {
		fmt.Fprintf(os.Stderr, "forge: %s: %v\n", label, err)
	})
	g, err := loader.Load(context.Background(), c.Patterns)
	if err != nil {
		return fmt.Errorf("forge: loading patterns: %w", err)
	}

	refs, err := f.FetchRefs(g.Labels())
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		fmt.Println("forge: no external repositories named by these targets")
		return nil
	}

	if err := os.MkdirAll(c.CacheDir, 0o755); err != nil {
		return err
	}
	for _, ref := range refs {
		dest, err := c.fetchOne(ref)
		if err != nil {
			return fmt.Errorf("forge: fetch %s: %w", ref, err)
		}
		fmt.Printf("forge: fetched %s -> %s\n", ref, dest)
	}
	return nil
}

// fetchOne pulls ref and exports its filesystem into a directory keyed by
// the reference string, skipping the pull entirely if that directory
// already exists. The cache key is a hash of the reference string itself,
// so a tag that is moved upstream to a different image keeps mapping to
// the layout fetched earlier.
func (c *FetchCmd) fetchOne(ref string) (string, error) {
	key := sha256.Sum256([]byte(ref))
	dest := filepath.Join(c.CacheDir, hex.EncodeToString(key[:16]))
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	img, err := crane.Pull(ref)
	if err != nil {
		return "", err
	}
	digest, err := img.Digest()
	if err != nil {
		return "", err
	}

	tmp := dest + ".tmp"
	os.RemoveAll(tmp)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", err
	}
	if err := exportTo(img, filepath.Join(tmp, "rootfs.tar")); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	if err := os.WriteFile(filepath.Join(tmp, "digest.txt"), []byte(digest.String()), 0o644); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func exportTo(img v1.Image, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	return crane.Export(img, out)
}
