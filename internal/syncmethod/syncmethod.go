// Package syncmethod builds the command lines for the supported
// mirroring tools. Builders only construct commands; spawning and
// supervision belong to the worker.
package syncmethod

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/kaist-ftp/mirrord/internal/config"
)

// Command is a ready-to-spawn tool invocation.
type Command struct {
	Argv []string
	Env  map[string]string
}

// Builder constructs commands for one sync method.
type Builder interface {
	// Name returns the method name used in sync_type.
	Name() string

	// Build returns the sync command for p.
	Build(mirrorName string, p *config.Package) (*Command, error)

	// Check returns a freshness probe, or nil when the method has
	// none. The probe is cheap and run on the daemon side; non-empty
	// output or a failure means a sync is due.
	Check(p *config.Package) (*Command, error)
}

var builders = make(map[string]Builder)

// Register adds a builder. It panics on duplicate or empty names and
// is meant for init functions.
func Register(b Builder) {
	name := b.Name()
	if name == "" {
		panic("syncmethod: empty method name")
	}
	if _, dup := builders[name]; dup {
		panic("syncmethod: duplicate method " + name)
	}
	builders[name] = b
}

// Get looks up the builder for a sync_type value.
func Get(name string) (Builder, error) {
	b, ok := builders[name]
	if !ok {
		return nil, errors.Newf("syncmethod: unknown sync_type %q (have %s)",
			name, strings.Join(Names(), ", "))
	}
	return b, nil
}

// Names lists the registered methods in sorted order.
func Names() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func credentialEnv(p *config.Package) map[string]string {
	if p.Options.User == "" {
		return nil
	}
	return map[string]string{
		"USER":           p.Options.User,
		"RSYNC_PASSWORD": p.Options.Password,
	}
}
