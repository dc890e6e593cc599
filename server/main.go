package main

import (
	"context"
	"flag"
	"net/http"
	"os"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"collabtext/internal/gossip"
)

const ServerVersion = "0.1.0"

func main() {
	usage := `CollabText relay. Bridges mesh peers that cannot reach each other
through a redis server. Peers pass the relay address as --peer.

Usage:
    server [--listen=<addr>] [--redis=<addr>] [--v=<level>]
    server -h | --help
    server --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --listen=<addr>    Listen address [default: :8081].
    --redis=<addr>     Redis address. Defaults to $REDIS_ADDR or localhost:6379.
    --v=<level>        Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ServerVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if v, _ := opts.String("--v"); v != "" {
		flag.Set("v", v)
	}
	defer glog.Flush()

	redisAddr, _ := opts.String("--redis")
	if redisAddr == "" {
		redisAddr = os.Getenv("REDIS_ADDR")
	}
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		glog.Exitf("[relay]could not connect to redis = %s\n", err)
	}
	defer rdb.Close()
	glog.Infof("[relay]connected to redis at %s\n", redisAddr)

	relay, err := gossip.NewRelay(rdb)
	if err != nil {
		glog.Exitf("[relay]%s\n", err)
	}

	listen, _ := opts.String("--listen")
	glog.Infof("[relay]%s starting on %s\n", relay.ID().Short(), listen)
	if err := http.ListenAndServe(listen, relay.Handler()); err != nil {
		glog.Exitf("[relay]failed to start server = %s\n", err)
	}
}
