package syncmethod

import (
	"github.com/cockroachdb/errors"

	"github.com/kaist-ftp/mirrord/internal/config"
)

func init() {
	Register(ftpsyncBuilder{})
}

// ftpsyncBuilder drives Debian's archvsync "ftpsync" script. The
// script reads its settings from the environment, so the package
// configuration is translated into the variables ftpsync.conf would
// normally carry.
type ftpsyncBuilder struct{}

func (ftpsyncBuilder) Name() string {
	return "ftpsync"
}

func (ftpsyncBuilder) Build(mirrorName string, p *config.Package) (*Command, error) {
	if p.Src.URL == nil {
		return nil, errors.New("ftpsync: src is not set")
	}
	env := map[string]string{
		"MIRRORNAME": mirrorName,
		"TO":         p.Dst,
		"RSYNC_HOST": p.Src.Host,
		"RSYNC_PATH": p.Src.Path,
	}
	if p.Options.User != "" {
		env["RSYNC_USER"] = p.Options.User
		env["RSYNC_PASSWORD"] = p.Options.Password
	}
	return &Command{
		Argv: []string{"ftpsync", "sync:all"},
		Env:  env,
	}, nil
}

func (ftpsyncBuilder) Check(p *config.Package) (*Command, error) {
	return nil, nil
}
