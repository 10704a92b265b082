// pstat-cli is an interactive console for the instrument: type SCPI lines,
// watch replies, peek at decoded telemetry counts.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"

	"github.com/potlab/pstat/config"
	"github.com/potlab/pstat/helpers/cli"
	"github.com/potlab/pstat/log2"
	"github.com/potlab/pstat/scpi"
	"github.com/potlab/pstat/tele"
	"github.com/potlab/pstat/telemetry"
	"github.com/potlab/pstat/transport"
)

var suggests = []prompt.Suggest{
	{Text: "*IDN?", Description: "device identification"},
	{Text: "*CLS", Description: "clear device error state"},
	{Text: "*CLS?", Description: "read device state"},
	{Text: "abort", Description: "abort running primitive (control lane)"},
	{Text: "reset", Description: "reset device (control lane)"},
	{Text: "counts", Description: "decoded telemetry point counts"},
	{Text: "clear", Description: "drop decoded telemetry data"},
	{Text: "debug", Description: "dump recent command traffic"},
	{Text: "exit", Description: "quit"},
}

func main() {
	configPath := flag.String("config", "pstat.hcl", "path to HCL config")
	flag.Parse()

	log := log2.NewStderr(log2.LInfo)
	cfg := config.MustReadConfig(log, *configPath)
	if cfg.LogDebug {
		log.SetLevel(log2.LDebug)
	}

	cmdConn, err := transport.Open(cfg.CommandPort)
	if err != nil {
		log.Fatalf("command link: %v", err)
	}
	dataConn, err := transport.Open(cfg.DataPort)
	if err != nil {
		log.Fatalf("data link: %v", err)
	}

	ch := scpi.NewChannel(cmdConn, log)
	dev := scpi.NewDevice(ch, log)
	dev.SetRaiseOnError(cfg.RaiseOnError)
	dec := telemetry.NewDecoder(dataConn, log)

	var tl *tele.Tele
	if cfg.Tele.Enabled {
		if tl, err = tele.New(cfg.Tele, log); err != nil {
			log.Fatalf("tele: %v", err)
		}
		tl.Run(dec.Commits())
	}

	release := func() {
		if tl != nil {
			tl.Stop()
		}
		dec.Stop()
		ch.Stop()
	}
	shutdown := func(code int) {
		release()
		os.Exit(code)
	}

	exec := func(line string) {
		line = strings.TrimSpace(line)
		switch line {
		case "":
		case "exit", "quit":
			shutdown(0)
		case "counts":
			online, complete := dec.Counts()
			fmt.Printf("online=%d complete=%d healthy=%v\n", online, complete, dec.Healthy())
		case "clear":
			dec.Clear()
			fmt.Println("telemetry buffers cleared")
		case "debug":
			fmt.Print(ch.DebugString())
		case "abort":
			report(dev.Abort())
		case "reset":
			report(dev.Reset())
		default:
			report(dev.Execute(line))
		}
	}
	complete := func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
	cli.MainLoop(exec, complete, release)
	shutdown(0)
}

func report(line string, err error) {
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(line)
}
