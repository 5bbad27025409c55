package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/zfoobar/kvs/pkg/wire"
)

var (
	flagHelp bool
	flagAddr string
)

func init() {
	flag.BoolVar(&flagHelp, "help", false, "Show help")
	flag.BoolVar(&flagHelp, "h", false, "Show help (short)")
	flag.StringVar(&flagAddr, "addr", "localhost:8888", "Server address")
}

func main() {
	flag.Parse()

	if flagHelp {
		printHelp()
		os.Exit(0)
	}

	conn, err := net.Dial("tcp", flagAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", flagAddr, err)
		os.Exit(1)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)

	// One-shot mode: send the remaining args as a single command.
	if args := flag.Args(); len(args) > 0 {
		if err := roundTrip(conn, reader, strings.Join(args, " ")); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	runInteractive(conn, reader)
}

func runInteractive(conn net.Conn, reader *bufio.Reader) {
	fmt.Printf("Connected to %s. Type .help for help, .quit to exit.\n", flagAddr)

	stdin := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("kvs> ")
		if !stdin.Scan() {
			return
		}
		line := strings.TrimSpace(stdin.Text())
		if line == "" {
			continue
		}

		switch line {
		case ".quit", ".exit":
			return
		case ".help":
			printHelp()
			continue
		}

		if err := roundTrip(conn, reader, line); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
	}
}

// roundTrip sends one command line and prints the decoded response.
func roundTrip(conn net.Conn, reader *bufio.Reader, line string) error {
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	reply, err := reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read failed: %w", err)
	}

	var resp wire.Response
	if err := wire.Decode(reply, &resp); err != nil {
		// Not JSON (e.g. the transport's UTF-8 error line); print as-is.
		fmt.Print(string(reply))
		return nil
	}

	fmt.Printf("%s", resp.Status)
	if resp.Message != nil {
		fmt.Printf(": %s", *resp.Message)
	}
	fmt.Println()
	if resp.Result != nil {
		out, _ := wire.Encode(resp.Result)
		fmt.Println(string(out))
	}
	return nil
}

func printHelp() {
	fmt.Print(`
KVS CLI

Usage:
  kvs-cli [options]                # Interactive mode
  kvs-cli [options] <command...>   # Execute single command

Options:
  -h, -help           Show this help message
  -addr <addr>        Server address (default: localhost:8888)

Commands:
  PUT <key> <value...>   Write a value
  GET <key>              Read a value
  DEL <key>              Delete a key

  START                  Begin a transaction
  COMMIT                 Apply buffered ops atomically
  ROLLBACK               Discard buffered ops

Interactive Commands:
  .quit, .exit        Exit CLI
  .help               Show this help

`)
}
