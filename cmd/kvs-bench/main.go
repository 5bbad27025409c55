package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

var (
	flagHelp       bool
	flagAddr       string
	flagClients    int
	flagOps        int
	flagBenchmarks string
)

func init() {
	flag.BoolVar(&flagHelp, "help", false, "Show help")
	flag.BoolVar(&flagHelp, "h", false, "Show help (short)")
	flag.StringVar(&flagAddr, "addr", "localhost:8888", "Server address")
	flag.IntVar(&flagClients, "clients", 8, "Number of concurrent clients")
	flag.IntVar(&flagOps, "ops", 10000, "Operations per client")
	flag.StringVar(&flagBenchmarks, "bench", "all", "Benchmarks to run: all, put, get, del, transaction")
}

func main() {
	flag.Parse()

	if flagHelp {
		printHelp()
		os.Exit(0)
	}

	runBenchmarks()
}

func printHelp() {
	fmt.Print(`
KVS Benchmark Tool

Usage:
  kvs-bench [options]

Options:
  -h, -help           Show this help message
  -addr <addr>        Server address (default: localhost:8888)
  -clients <n>        Concurrent clients (default: 8)
  -ops <n>            Operations per client (default: 10000)
  -bench <name>       Benchmark to run: all, put, get, del, transaction

Examples:
  kvs-bench
  kvs-bench -clients 32 -ops 50000
  kvs-bench -bench transaction
`)
}

// client is a single benchmark connection speaking the line protocol.
type client struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial() (*client, error) {
	conn, err := net.Dial("tcp", flagAddr)
	if err != nil {
		return nil, err
	}
	return &client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (c *client) close() {
	c.conn.Close()
}

// do sends one command and discards the response line.
func (c *client) do(format string, args ...interface{}) error {
	if _, err := fmt.Fprintf(c.conn, format+"\n", args...); err != nil {
		return err
	}
	_, err := c.reader.ReadBytes('\n')
	return err
}

func runBenchmarks() {
	fmt.Printf("KVS Benchmark Tool\n")
	fmt.Printf("==================\n")
	fmt.Printf("Server: %s\n", flagAddr)
	fmt.Printf("Clients: %d\n", flagClients)
	fmt.Printf("Ops/client: %d\n", flagOps)
	fmt.Println()

	switch flagBenchmarks {
	case "all":
		runBenchmark("PUT", benchPut)
		runBenchmark("GET", benchGet)
		runBenchmark("DEL", benchDel)
		runBenchmark("TRANSACTION", benchTransaction)
	case "put":
		runBenchmark("PUT", benchPut)
	case "get":
		runBenchmark("GET", benchGet)
	case "del":
		runBenchmark("DEL", benchDel)
	case "transaction":
		runBenchmark("TRANSACTION", benchTransaction)
	default:
		fmt.Printf("Unknown benchmark: %s\n", flagBenchmarks)
	}
}

func runBenchmark(name string, fn func(c *client, id, ops int) error) {
	fmt.Printf("=== %s Benchmark ===\n", name)

	var wg sync.WaitGroup
	errs := make(chan error, flagClients)

	start := time.Now()
	for id := 0; id < flagClients; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c, err := dial()
			if err != nil {
				errs <- err
				return
			}
			defer c.close()
			if err := fn(c, id, flagOps); err != nil {
				errs <- err
			}
		}(id)
	}
	wg.Wait()
	elapsed := time.Since(start)
	close(errs)

	for err := range errs {
		fmt.Fprintf(os.Stderr, "Benchmark error: %v\n", err)
		return
	}

	total := flagClients * flagOps
	fmt.Printf("Time: %v\n", elapsed)
	fmt.Printf("Ops/sec: %.2f\n", float64(total)/elapsed.Seconds())
	fmt.Printf("Avg time/op: %v\n", elapsed/time.Duration(total))
	fmt.Println()
}

func benchPut(c *client, id, ops int) error {
	for i := 0; i < ops; i++ {
		if err := c.do("PUT bench-%d-%d value-%d", id, i, i); err != nil {
			return err
		}
	}
	return nil
}

func benchGet(c *client, id, ops int) error {
	if err := c.do("PUT bench-get-%d warm", id); err != nil {
		return err
	}
	for i := 0; i < ops; i++ {
		if err := c.do("GET bench-get-%d", id); err != nil {
			return err
		}
	}
	return nil
}

func benchDel(c *client, id, ops int) error {
	for i := 0; i < ops; i++ {
		if err := c.do("PUT bench-del-%d-%d x", id, i); err != nil {
			return err
		}
		if err := c.do("DEL bench-del-%d-%d", id, i); err != nil {
			return err
		}
	}
	return nil
}

// benchTransaction measures small optimistic transactions: each one buffers a
// few writes on client-private keys and commits.
func benchTransaction(c *client, id, ops int) error {
	const writesPerTxn = 4

	txns := ops / writesPerTxn
	if txns == 0 {
		txns = 1
	}
	for i := 0; i < txns; i++ {
		if err := c.do("START"); err != nil {
			return err
		}
		for j := 0; j < writesPerTxn; j++ {
			if err := c.do("PUT bench-txn-%d-%d value-%d", id, j, i); err != nil {
				return err
			}
		}
		if err := c.do("COMMIT"); err != nil {
			return err
		}
	}
	return nil
}
