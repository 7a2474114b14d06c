package main

import (
	"context"
	"evdispatch"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

var config *evdispatch.Config

var (
	configFilePath = flag.String("c", "./cmd/config.yaml", "path to configuration file.")
	tickInterval   = flag.Duration("tick", time.Second, "interval of the demo timer.")
	runFor         = flag.Duration("for", 0, "stop after this long, 0 runs until interrupted.")
)

func init() {
	flag.Parse()
	var err error
	config, err = evdispatch.LoadConfig(*configFilePath)
	if err != nil {
		log.Fatal().Msgf("can't load config: %+v", err)
	}
	initLog(config)
}

func initLog(config *evdispatch.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(config.Global.LogLevel)
	if err != nil {
		log.Warn().Msgf("unknown log level %q, using info", config.Global.LogLevel)
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

type ticker struct {
	count int
}

func (t *ticker) TimerEvent(event evdispatch.TimerEvent) {
	t.count++
	log.Info().Msgf("timer %d tick %d", event.ID, t.count)
}

type pipeReader struct {
	buf []byte
}

func (p *pipeReader) SocketEvent(event evdispatch.SocketEvent) {
	n, err := unix.Read(event.FD, p.buf)
	if err != nil {
		log.Error().Msgf("[%d] got error while reading pipe: %+v", event.FD, err)
		return
	}
	log.Info().Msgf("[%d] read %q", event.FD, p.buf[:n])
}

func main() {
	log.Info().Msg("starting dispatcher...")
	if err := evdispatch.RaiseOpenFilesLimit(config.Global.MaxOpenFiles); err != nil {
		log.Error().Msgf("got error while raising open files limit: %+v", err)
	}

	eventLoop, err := evdispatch.NewEventLoop(config.Dispatcher)
	if err != nil {
		log.Fatal().Msgf("can't init event loop: %+v", err)
	}
	dispatcher := eventLoop.Dispatcher()
	dispatcher.RegisterTimer(*tickInterval, false, &ticker{})

	var fds [2]int
	if err = unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		log.Fatal().Msgf("can't create pipe: %+v", err)
	}
	if _, err = dispatcher.RegisterNotifier(fds[0], evdispatch.Read, &pipeReader{buf: make([]byte, 512)}); err != nil {
		log.Fatal().Msgf("can't register notifier: %+v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *runFor > 0 {
		ctx, cancel = context.WithTimeout(ctx, *runFor)
		defer cancel()
	}

	// Another goroutine feeds the pipe and posts work to show cross-thread wake-ups.
	go func() {
		t := time.NewTicker(*tickInterval * 3 / 2)
		defer t.Stop()
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := unix.Write(fds[1], []byte("ping")); err != nil {
					log.Error().Msgf("got error while writing pipe: %+v", err)
				}
				seq := i
				eventLoop.Post(func() {
					log.Info().Msgf("posted event %d", seq)
				})
			}
		}
	}()

	if err = eventLoop.Exec(ctx); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		log.Error().Msgf("event loop stopped: %+v", err)
	}
	log.Info().Msgf("stats: %+v", dispatcher.Stats())
	if err = eventLoop.Close(); err != nil {
		log.Error().Msgf("got error while closing event loop: %+v", err)
	}
	_ = unix.Close(fds[0])
	_ = unix.Close(fds[1])
}
