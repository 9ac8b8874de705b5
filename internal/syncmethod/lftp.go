package syncmethod

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/kaist-ftp/mirrord/internal/config"
)

func init() {
	Register(lftpBuilder{})
}

type lftpBuilder struct{}

func (lftpBuilder) Name() string {
	return "lftp"
}

func (lftpBuilder) Build(mirrorName string, p *config.Package) (*Command, error) {
	if p.Src.URL == nil {
		return nil, errors.New("lftp: src is not set")
	}
	src := p.Src.Host + strings.TrimSuffix(p.Src.Path, "/")
	script := fmt.Sprintf(
		"set ftp:anon-pass mirror@%s; "+
			"set cmd:verbose yes; "+
			`mirror --continue --delete --no-perms --verbose=3 `+
			`-X '\.(mirror|notar)' -x '\.in\..*\.' -X 'lost+found' `+
			"ftp://%s %s",
		p.Src.Host, src, p.Dst)
	return &Command{
		Argv: []string{"lftp", "-c", script},
	}, nil
}

func (lftpBuilder) Check(p *config.Package) (*Command, error) {
	return nil, nil
}
