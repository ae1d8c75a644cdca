// Command zwdig sends one query per requested type and prints each reply.
//
//	zwdig -d www.example.com -t A,MX [-r] [-s 10.0.0.1:5353,10.0.0.2]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/haukened/zonewalk/internal/dns/common/log"
	"github.com/haukened/zonewalk/internal/dns/config"
	"github.com/haukened/zonewalk/internal/dns/domain"
	"github.com/haukened/zonewalk/internal/dns/gateways/upstream"
	"github.com/haukened/zonewalk/internal/dns/services/resolver"
)

const defaultServer = "127.0.0.1:5353"

// options are the parsed command-line arguments.
type options struct {
	name      domain.Domain
	types     []domain.RRType
	recursive bool
	servers   []netip.AddrPort
	timeout   time.Duration
	logLevel  string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "zwdig: %v\n", err)
		return 2
	}
	if err := log.Configure("prod", opts.logLevel); err != nil {
		fmt.Fprintf(stderr, "zwdig: %v\n", err)
		return 2
	}

	res := resolver.NewResolver(resolver.ResolverOptions{
		Upstream: upstream.NewClient(upstream.Options{Timeout: opts.timeout}),
		Logger:   log.GetLogger(),
	})

	status := 0
	for _, t := range opts.types {
		query := domain.NewQuery(opts.name, t, opts.recursive)
		reply, err := res.Resolve(context.Background(), query, opts.servers, opts.recursive)
		if err != nil {
			fmt.Fprintf(stderr, "zwdig: %s %s: %v\n", opts.name, t, err)
			status = 1
			continue
		}
		fmt.Fprintln(stdout, reply.String())
	}
	return status
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("zwdig", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("d", "", "domain name to query (required)")
	types := fs.String("t", "", "comma-separated query types, e.g. A,MX (required)")
	recursive := fs.Bool("r", false, "ask the servers to recurse")
	servers := fs.String("s", defaultServer, "comma-separated servers, ip or ip:port")
	timeout := fs.Duration("timeout", time.Second, "per-server timeout")
	logLevel := fs.String("log-level", "warn", "log level (debug|info|warn|error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *name == "" {
		return nil, errors.New("missing -d domain")
	}
	if *types == "" {
		return nil, errors.New("missing -t query types")
	}
	opts := &options{
		name:      domain.ParseDomain(*name),
		recursive: *recursive,
		timeout:   *timeout,
		logLevel:  *logLevel,
	}
	for _, s := range splitList(*types) {
		t := domain.RRTypeFromString(strings.ToUpper(s))
		if !t.IsValid() {
			return nil, fmt.Errorf("invalid query type %q", s)
		}
		opts.types = append(opts.types, t)
	}
	for _, s := range splitList(*servers) {
		ap, err := config.ParseServerAddr(s)
		if err != nil {
			return nil, err
		}
		opts.servers = append(opts.servers, ap)
	}
	return opts, nil
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}
