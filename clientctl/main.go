package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"skullsync.app/client"
)

const ClientCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Skull sync control.

Usage:
    clientctl skulls [options]
    clientctl quicks [options]
    clientctl occurrences [--days=<days>] [options]
    clientctl create --skull=<skull_id> --amount=<amount> [--millis=<millis>] [options]
    clientctl update --id=<id> --skull=<skull_id> --amount=<amount> --millis=<millis> [options]
    clientctl delete --id=<id> [options]
    clientctl watch [options]

Options:
    -h --help             Show this screen.
    --version             Show version.
    --url=<url>           Socket url [default: ws://localhost:3333/ws/binary].
    --check_url=<url>     Authorization check url [default: http://localhost:3333/login].
    --jwt=<jwt>           Bearer token. Prompted for on a terminal when omitted.
    --timeout=<timeout>   Seconds to wait for the connection [default: 10].
    --days=<days>         Days back to search [default: 7].
    --skull=<skull_id>    Skull id.
    --amount=<amount>     Amount, significant to 3 decimal places.
    --millis=<millis>     Unix millis timestamp. Defaults to now for create.
    --id=<id>             Occurrence id.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ClientCtlVersion)
	if err != nil {
		panic(err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(cancelCtx, opts)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	defer store.Socket().Close()
	defer store.Dispose()

	if skulls_, _ := opts.Bool("skulls"); skulls_ {
		skulls(store)
	} else if quicks_, _ := opts.Bool("quicks"); quicks_ {
		quicks(store)
	} else if occurrences_, _ := opts.Bool("occurrences"); occurrences_ {
		occurrences(store, opts)
	} else if create_, _ := opts.Bool("create"); create_ {
		create(store, opts)
	} else if update_, _ := opts.Bool("update"); update_ {
		update(store, opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		remove(store, opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(store)
	}
}

func openStore(ctx context.Context, opts docopt.Opts) (*client.Store, error) {
	url, _ := opts.String("--url")
	checkUrl, _ := opts.String("--check_url")
	timeoutSeconds, _ := opts.Int("--timeout")

	var auth *client.ClientAuth
	jwt, jwtErr := opts.String("--jwt")
	if jwtErr != nil && term.IsTerminal(int(syscall.Stdin)) {
		fmt.Print("JWT (blank for none): ")
		jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return nil, err
		}
		jwt = strings.TrimSpace(string(jwtBytes))
	}
	if jwt != "" {
		auth = &client.ClientAuth{ByJwt: jwt}
	}

	socket := client.NewSocketWithDefaults(ctx, url, checkUrl, auth)
	store := client.NewStore(socket)

	if err := waitForOpen(socket, time.Duration(timeoutSeconds)*time.Second); err != nil {
		socket.Close()
		return nil, err
	}
	return store, nil
}

func waitForOpen(socket *client.Socket, timeout time.Duration) error {
	open := make(chan struct{}, 1)
	unauthorized := make(chan struct{}, 1)
	unsub := socket.AddStateCallback(func(state client.SocketState) {
		switch state {
		case client.SocketStateOpen:
			select {
			case open <- struct{}{}:
			default:
			}
		case client.SocketStateUnauthorized:
			select {
			case unauthorized <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	if socket.State() == client.SocketStateOpen {
		return nil
	}
	select {
	case <-open:
		return nil
	case <-unauthorized:
		return fmt.Errorf("unauthorized")
	case <-time.After(timeout):
		return fmt.Errorf("no connection after %s (state %s)", timeout, socket.State())
	}
}

func skulls(store *client.Store) {
	if err := store.EnsureSkulls(); err != nil {
		Err.Fatalf("%s", err)
	}
	for _, skull := range store.Skulls() {
		limit := "-"
		if skull.Limit != nil {
			limit = fmt.Sprintf("%.3f", *skull.Limit)
		}
		Out.Printf("%d\t%s\t#%06x\t%s\t%.3f\t%s", skull.Id, skull.Name, skull.Color, skull.Icon, skull.Price, limit)
	}
}

func quicks(store *client.Store) {
	// quicks resolve against the skull cache
	if err := store.EnsureSkulls(); err != nil {
		Err.Fatalf("%s", err)
	}
	if err := store.EnsureQuicks(); err != nil {
		Err.Fatalf("%s", err)
	}
	for _, quick := range store.Quicks() {
		Out.Printf("%d\t%s\t%.3f", quick.Id, quick.Skull.Name, quick.Amount)
	}
}

func occurrences(store *client.Store, opts docopt.Opts) {
	days, _ := opts.Int("--days")
	start := client.DayStart(time.Now().AddDate(0, 0, -(days-1)), client.DefaultDayResetHour)

	if err := store.EnsureOccurrences(start); err != nil {
		Err.Fatalf("%s", err)
	}
	for _, occurrence := range store.Occurrences() {
		Out.Printf("%d\t%d\t%.3f\t%s", occurrence.Id, occurrence.Skull, occurrence.Amount, occurrence.At.Format(time.RFC3339))
	}
}

func create(store *client.Store, opts docopt.Opts) {
	skullId := mustInt64(opts, "--skull")
	amount := mustFloat64(opts, "--amount")
	at := time.Now()
	if millisStr, err := opts.String("--millis"); err == nil && millisStr != "" {
		at = time.UnixMilli(mustParseInt64(millisStr, "--millis"))
	}

	result, err := store.CreateSync(&client.ProtoOccurrence{
		Skull:  skullId,
		Amount: client.RoundAmount(amount),
		At:     at,
	})
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", result.Change)
}

func update(store *client.Store, opts docopt.Opts) {
	result, err := store.UpdateSync(&client.Occurrence{
		Id:     mustInt64(opts, "--id"),
		Skull:  mustInt64(opts, "--skull"),
		Amount: client.RoundAmount(mustFloat64(opts, "--amount")),
		At:     time.UnixMilli(mustInt64(opts, "--millis")),
	})
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", result.Change)
}

func remove(store *client.Store, opts docopt.Opts) {
	result, err := store.RemoveSync(&client.Occurrence{
		Id: mustInt64(opts, "--id"),
	})
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", result.Change)
}

func watch(store *client.Store) {
	unsubSkulls := store.AddSkullsCallback(func(skulls []*client.Skull) {
		Out.Printf("skulls (%d)", len(skulls))
	})
	defer unsubSkulls()
	unsubQuicks := store.AddQuicksCallback(func(quicks []*client.Quick) {
		Out.Printf("quicks (%d)", len(quicks))
	})
	defer unsubQuicks()
	unsubOccurrences := store.AddOccurrencesCallback(func(occurrences []*client.Occurrence) {
		Out.Printf("occurrences (%d)", len(occurrences))
	})
	defer unsubOccurrences()

	if err := store.EnsureSkulls(); err != nil {
		Err.Fatalf("%s", err)
	}
	if err := store.EnsureQuicks(); err != nil {
		Err.Fatalf("%s", err)
	}
	if err := store.EnsureOccurrences(client.Today(client.DefaultDayResetHour)); err != nil {
		Err.Fatalf("%s", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func mustInt64(opts docopt.Opts, key string) int64 {
	value, err := opts.String(key)
	if err != nil {
		Err.Fatalf("missing %s", key)
	}
	return mustParseInt64(value, key)
}

func mustParseInt64(value string, key string) int64 {
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		Err.Fatalf("invalid %s (%s)", key, err)
	}
	return parsed
}

func mustFloat64(opts docopt.Opts, key string) float64 {
	value, err := opts.String(key)
	if err != nil {
		Err.Fatalf("missing %s", key)
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		Err.Fatalf("invalid %s (%s)", key, err)
	}
	return parsed
}
