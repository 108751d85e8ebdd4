// Package worker implements the persistent worker pool: long-lived
// child processes, keyed by Key, that accept repeated work
// requests over a framed stdin/stdout protocol instead of being spawned
// fresh per action. Sub-pools are per-key and borrow LIFO, so hot
// workers are reused first.
package worker

import (
	"sort"

	"github.com/forgeworks/forge/digest"
)

// Key is the tuple that defines worker fungibility: two requests
// with an equal Key may be served by the same persistent process.
type Key struct {
	Mnemonic    string
	Argv        []string
	Env         map[string]string
	ToolsDigest digest.Digest
	Sandboxed   bool
}

// Fingerprint returns a stable hex string identifying Key, used as the
// sub-pool map key.
func (k Key) Fingerprint() string {
	b := digest.NewBuilder().AddString(k.Mnemonic)
	for _, a := range k.Argv {
		b.AddString(a)
	}
	keys := make([]string, 0, len(k.Env))
	for name := range k.Env {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	for _, name := range keys {
		b.AddString(name).AddString(k.Env[name])
	}
	b.AddDigest(k.ToolsDigest)
	if k.Sandboxed {
		b.AddString("sandboxed")
	}
	return b.Sum().Hex()
}
