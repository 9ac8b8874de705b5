package syncmethod

import "github.com/kaist-ftp/mirrord/internal/config"

func init() {
	Register(bandersnatchBuilder{})
}

// bandersnatchBuilder shells out to the PyPI mirroring tool, which
// takes its settings from its own configuration file.
type bandersnatchBuilder struct{}

func (bandersnatchBuilder) Name() string {
	return "bandersnatch"
}

func (bandersnatchBuilder) Build(mirrorName string, p *config.Package) (*Command, error) {
	return &Command{
		Argv: []string{"bandersnatch", "mirror"},
	}, nil
}

func (bandersnatchBuilder) Check(p *config.Package) (*Command, error) {
	return nil, nil
}
