package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"graphgo/client"
	"graphgo/cluster"
	"graphgo/protocol"
)

const usage = "commands: read <query>, write <query>, stream <query>, replicas, servers, quit"

func main() {
	var (
		configPath = flag.String("config", "", "YAML driver config (addresses and client options)")
		addrs      = flag.String("addr", "127.0.0.1:1729", "comma-separated server addresses (ignored with -config)")
		database   = flag.String("db", "default", "database to open a session on")
		sessType   = flag.String("type", "data", "session type: data or schema")
		anyReplica = flag.Bool("any-replica", false, "allow reads from secondary replicas")
		timeout    = flag.Duration("timeout", 10*time.Second, "request timeout")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	typ, err := protocol.ParseSessionType(*sessType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	opts := cluster.Options{Logger: logger}
	seeds := strings.Split(*addrs, ",")
	if *configPath != "" {
		cfg, err := client.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(2)
		}
		if opts.Client, err = cfg.Options(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(2)
		}
		seeds = cfg.Addresses
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	c, err := cluster.New(ctx, seeds, opts)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel = context.WithTimeout(context.Background(), *timeout)
	sess, err := c.Session(ctx, *database, typ, protocol.Options{ReadAnyReplica: *anyReplica})
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to open session: %v\n", err)
		os.Exit(1)
	}
	defer sess.Close(context.Background())

	fmt.Printf("connected to %s (members: %s)\n", *database, strings.Join(c.Members(), ", "))
	fmt.Println(usage)
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")

		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		err := run(ctx, c, sess, *database, strings.ToLower(cmd), arg)
		cancel()

		if errors.Is(err, errQuit) {
			fmt.Println("bye")
			return
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
			if errors.Is(err, cluster.ErrUnavailable) {
				fmt.Println("cluster unavailable, exiting")
				os.Exit(1)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error reading input: %v\n", err)
	}
}

var errQuit = errors.New("quit")

func run(ctx context.Context, c *cluster.Client, sess *cluster.Session, database, cmd, arg string) error {
	switch cmd {
	case "quit", "exit", "q":
		return errQuit

	case "read", "write":
		if arg == "" {
			fmt.Printf("usage: %s <query>\n", cmd)
			return nil
		}
		typ := protocol.TransactionRead
		if cmd == "write" {
			typ = protocol.TransactionWrite
		}
		return doQuery(ctx, sess, typ, arg)

	case "stream":
		if arg == "" {
			fmt.Println("usage: stream <query>")
			return nil
		}
		return doStream(ctx, sess, arg)

	case "replicas":
		rs, err := c.Replicas(ctx, database)
		if err != nil {
			return err
		}
		for _, r := range rs {
			fmt.Println(r)
		}
		return nil

	case "servers":
		live := c.Connected()
		for _, addr := range c.Members() {
			if slices.Contains(live, addr) {
				fmt.Println(addr, "(connected)")
			} else {
				fmt.Println(addr)
			}
		}
		return nil

	default:
		fmt.Printf("unknown command: %s\n", cmd)
		fmt.Println(usage)
		return nil
	}
}

// doQuery runs q in its own transaction; writes are committed.
func doQuery(ctx context.Context, sess *cluster.Session, typ protocol.TransactionType, q string) error {
	tx, err := sess.Transaction(ctx, typ, protocol.Options{})
	if err != nil {
		return err
	}
	defer tx.Close()

	answers, err := tx.Query(ctx, []byte(q), protocol.Options{})
	if err != nil {
		return err
	}
	for _, a := range answers {
		fmt.Println(string(a))
	}
	if typ == protocol.TransactionWrite {
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		fmt.Println("OK (committed)")
	}
	return nil
}

func doStream(ctx context.Context, sess *cluster.Session, q string) error {
	tx, err := sess.Transaction(ctx, protocol.TransactionRead, protocol.Options{})
	if err != nil {
		return err
	}
	defer tx.Close()

	it, err := tx.QueryStream([]byte(q), protocol.Options{})
	if err != nil {
		return err
	}
	n := 0
	for a, err := range it.All(ctx) {
		if err != nil {
			return err
		}
		fmt.Println(string(a))
		n++
	}
	fmt.Printf("(%d answers)\n", n)
	return nil
}
