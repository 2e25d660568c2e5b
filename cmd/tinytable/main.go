// tinytable launches the wide-column store emulator on the given address.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/tinytable/tinytable/emu"
)

var (
	host = flag.String("host", "localhost", "the address to bind to on the local machine")
	port = flag.Int("port", 9035, "the port number to bind to on the local machine")
	dir  = flag.String("dir", "", "if set, persist tables in the given directory")
)

func main() {
	flag.Parse()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	opts := emu.Options{
		Log: log,
	}
	if *dir != "" {
		log.Info().Str("dir", *dir).Msg("persisting tables on disk")
		opts.Storage = emu.DiskStore{Root: *dir, Log: log}
	}

	laddr := fmt.Sprintf("%s:%d", *host, *port)
	server, err := emu.NewServerWithOptions(laddr, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
	defer server.Close()

	log.Info().Str("addr", server.Addr).Msg("tinytable emulator running")
	select {}
}
