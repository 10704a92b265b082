package cli

import (
	"bufio"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop runs exec for each input line, interactively through go-prompt
// when stdin is a terminal, otherwise line by line from piped stdin.
// stop runs once on the first termination signal so the caller can release
// the serial links before the process exits.
func MainLoop(exec func(line string), complete func(d prompt.Document) []prompt.Suggest, stop func()) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		<-signalCh
		if stop != nil {
			stop()
		}
		os.Exit(1)
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete).Run()
		return
	}
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		exec(strings.TrimSpace(sc.Text()))
	}
}
