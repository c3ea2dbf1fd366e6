package elmsim

import (
	"context"

	"github.com/srg/obdtrip/internal/groutine"
	"github.com/srg/obdtrip/internal/ptyio"
)

// ServePTY exposes the emulator on a new pseudo-terminal until ctx is done.
// Point the serial transport (or any terminal program) at the returned PTY's
// Path.
func (e *Emulator) ServePTY(ctx context.Context, opts *ptyio.Options) (*ptyio.PTY, error) {
	if opts == nil {
		opts = &ptyio.Options{Logger: e.logger}
	}

	p, err := ptyio.Open(opts)
	if err != nil {
		return nil, err
	}

	var lines lineSplitter
	p.SetReadCallback(func(data []byte) {
		for _, line := range lines.feed(data) {
			if _, err := p.Write(e.Handle(line)); err != nil {
				e.logger.WithError(err).Debug("PTY reply dropped")
			}
		}
	})

	groutine.Go(ctx, "elm-pty-serve", func(ctx context.Context) {
		<-ctx.Done()
		if err := p.Close(); err != nil {
			e.logger.WithError(err).Debug("Error closing emulator PTY")
		}
	})

	e.logger.WithField("path", p.Path()).Info("ELM327 emulator listening on PTY")
	return p, nil
}
