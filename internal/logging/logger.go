package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Builder assembles the service logger.
type Builder struct {
	writer io.Writer
	level  zerolog.Level
	pretty bool
}

func New() *Builder {
	return &Builder{writer: os.Stdout, level: zerolog.InfoLevel}
}

func (b *Builder) FromWriter(w io.Writer) *Builder {
	b.writer = w
	return b
}

// WithLevel parses a level name; unknown names keep the current level.
func (b *Builder) WithLevel(name string) *Builder {
	if lvl, err := zerolog.ParseLevel(name); err == nil && lvl != zerolog.NoLevel {
		b.level = lvl
	}
	return b
}

func (b *Builder) Pretty(on bool) *Builder {
	b.pretty = on
	return b
}

func (b *Builder) Make() zerolog.Logger {
	w := b.writer
	if b.pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(b.level).With().Timestamp().Logger()
}
