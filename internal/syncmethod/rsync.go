package syncmethod

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/kaist-ftp/mirrord/internal/config"
)

func init() {
	Register(rsyncBuilder{})
}

type rsyncBuilder struct{}

func (rsyncBuilder) Name() string {
	return "rsync"
}

func (rsyncBuilder) Build(mirrorName string, p *config.Package) (*Command, error) {
	if p.Src.URL == nil {
		return nil, errors.New("rsync: src is not set")
	}
	src := strings.TrimSuffix(p.Src.String(), "/")
	dst := strings.TrimSuffix(p.Dst, "/")
	return &Command{
		Argv: []string{
			"rsync",
			"-vrlptDSH",
			"--exclude=*.~tmp~",
			"--delete-delay",
			"--delay-updates",
			src + "/",
			dst + "/",
		},
		Env: credentialEnv(p),
	}, nil
}

// Check compares the upstream trace file against the local copy with
// a dry run. Any listed file means the mirror is stale.
func (rsyncBuilder) Check(p *config.Package) (*Command, error) {
	if !p.Options.FFTS {
		return nil, nil
	}
	if p.Options.FFTSFile == "" {
		return nil, errors.New("rsync: ffts is set but ffts_file is empty")
	}
	src := strings.TrimSuffix(p.Src.String(), "/")
	dst := strings.TrimSuffix(p.Dst, "/")
	return &Command{
		Argv: []string{
			"rsync",
			"--no-motd",
			"--dry-run",
			"--out-format=%n",
			"--contimeout=10",
			src + "/" + p.Options.FFTSFile,
			dst + "/" + p.Options.FFTSFile,
		},
		Env: credentialEnv(p),
	}, nil
}
