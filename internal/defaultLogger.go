package internal

import (
	"fmt"
	"io"
	"os"
	"time"

	_ "code.cloudfoundry.org/go-diodes" // import for lockless writing
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

// CreateDefaultLogger creates the default logger used by the console packages. It
// writes pretty-printed lines to stdout.
func CreateDefaultLogger(level zerolog.Level) zerolog.Logger {
	return CreateConsoleLogger(os.Stdout, level)
}

// CreateConsoleLogger creates a pretty-printing logger writing to out through a diode,
// so a slow terminal drops log lines rather than stalling the response router.
func CreateConsoleLogger(out io.Writer, level zerolog.Level) zerolog.Logger {
	wr := diode.NewWriter(out, 1000, 10*time.Millisecond, func(missed int) {
		_, _ = fmt.Fprintf(os.Stderr, "Logger Dropped %d messages\n", missed)
	})
	return zerolog.New(zerolog.ConsoleWriter{Out: wr}).Level(level).With().Timestamp().Logger()
}
