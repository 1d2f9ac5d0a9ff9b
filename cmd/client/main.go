package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/phonerelay/pkg/client"
	"github.com/aeolun/phonerelay/pkg/protocol"
)

// Line-oriented relay client: each input line "<phone> <message>" is sent to phone.
func main() {
	server := flag.String("server", "localhost:3000", "Relay address (host:port or ws:// URL)")
	phone := flag.String("phone", "", "Phone number to log in as")
	verbose := flag.Bool("v", false, "Log connection events to stderr")
	flag.Parse()

	if *phone == "" {
		fmt.Fprintln(os.Stderr, "usage: client -phone <number> [-server host:port]")
		os.Exit(2)
	}

	conn, err := client.NewConnection(*server)
	if err != nil {
		log.Fatalf("Invalid server address: %v", err)
	}
	if *verbose {
		conn.SetLogger(log.New(os.Stderr, "", log.Ltime))
	}

	if err := conn.Connect(); err != nil {
		log.Fatalf("Failed to connect to %s: %v", *server, err)
	}
	defer conn.Close()

	if err := conn.Login(*phone); err != nil {
		log.Fatalf("Failed to log in: %v", err)
	}

	go printIncoming(conn)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		to, message, ok := strings.Cut(line, " ")
		if !ok || strings.TrimSpace(message) == "" {
			fmt.Fprintln(os.Stderr, "expected: <phone> <message>")
			continue
		}
		if err := conn.Send(to, strings.TrimSpace(message), uuid.NewString()); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
	}
}

func printIncoming(conn *client.Connection) {
	for r := range conn.Incoming() {
		switch r.Type {
		case protocol.TypeLoginOK:
			fmt.Printf("* logged in as %s\n", r.Phone)
		case protocol.TypeReceive:
			fmt.Printf("[%s] %s: %s\n", time.UnixMilli(r.TS).Format("15:04:05"), r.From, r.Message)
		case protocol.TypeSentOK:
			fmt.Printf("* sent to %s\n", r.To)
		case protocol.TypeError:
			fmt.Printf("! %s\n", r.Error)
		}
	}
}
