package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/puyokura/chatrelay/internal/logging"
	"go.uber.org/zap"
)

func main() {
	logFile := flag.String("log-file", "", "Write debug logs to this file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <username> <host> <port>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 3 {
		flag.Usage()
		os.Exit(2)
	}
	username, host, port := flag.Arg(0), flag.Arg(1), flag.Arg(2)
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		fmt.Fprintf(os.Stderr, "Invalid port %q\n", port)
		os.Exit(1)
	}

	// The TUI owns the terminal, so logs only ever go to a file.
	log := zap.NewNop()
	if *logFile != "" {
		l, err := logging.Setup(logging.Options{Level: "debug", Output: io.Discard, File: *logFile})
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error setting up logging:", err)
			os.Exit(1)
		}
		log = l
	}
	defer func() { _ = log.Sync() }()

	net := NewNetwork(username, log)
	if err := net.Connect(host, port); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	p := tea.NewProgram(initialModel(net, username, host+":"+port), tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
	if m, ok := final.(modelState); ok && m.err != nil {
		fmt.Fprintln(os.Stderr, m.err)
		os.Exit(1)
	}
}
