// vatrun hosts a Go-coded vat behind the dispatch service so an
// out-of-process kernel can drive it.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/vatkit/liveslots/transport"
	"github.com/vatkit/liveslots/vat"
	"github.com/vatkit/liveslots/vatstore"
)

func main() {
	grpcAddr := flag.String("grpc", ":7101", "gRPC listen address")
	httpAddr := flag.String("http", ":7102", "Connect (HTTP) listen address")
	configPath := flag.String("config", "vat.toml", "Vat configuration file")
	verbosity := flag.Int("v", 0, "Log verbosity")
	flag.Parse()

	commonlog.Configure(*verbosity, nil)
	log := commonlog.GetLogger("vatrun")

	cfg, err := vat.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	var store *vatstore.Store
	if cfg.EnableVatstore {
		store, err = vatstore.Open(cfg.VatstorePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening vatstore: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	recorder := transport.NewSyscallRecorder(store)
	ls, err := vat.New(recorder, vat.Options{Config: cfg}, buildRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building vat: %v\n", err)
		os.Exit(1)
	}

	server := transport.NewServer(ls, recorder)

	l, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listening on %s: %v\n", *grpcAddr, err)
		os.Exit(1)
	}
	go func() {
		log.Infof("serving gRPC on %s", *grpcAddr)
		if err := server.ServeGRPC(l); err != nil {
			log.Errorf("grpc server: %v", err)
		}
	}()

	log.Infof("serving Connect on %s", *httpAddr)
	if err := http.ListenAndServe(*httpAddr, server.Handler()); err != nil {
		fmt.Fprintf(os.Stderr, "Error serving HTTP: %v\n", err)
		os.Exit(1)
	}
}

// buildRoot assembles the demonstration root object: an echo service that
// can also mint named counters, enough surface to exercise exports,
// eventual sends, and resolution from a remote kernel.
func buildRoot(p *vat.Powers) vat.Invoker {
	counters := make(map[string]*vat.Remotable)
	return vat.InvokerFunc(func(method string, args []any) (any, error) {
		switch method {
		case "echo":
			return args, nil
		case "makeCounter":
			name := "counter"
			if len(args) > 0 {
				if s, ok := args[0].(string); ok {
					name = s
				}
			}
			c, ok := counters[name]
			if !ok {
				c = vat.NewRemotable("counter", &counter{})
				counters[name] = c
			}
			return c, nil
		case "shutdown":
			p.ExitVat("bye")
			return nil, nil
		default:
			return nil, fmt.Errorf("unknown method %q", method)
		}
	})
}

type counter struct {
	n int64
}

func (c *counter) Invoke(method string, args []any) (any, error) {
	switch method {
	case "increment":
		c.n++
		return c.n, nil
	case "read":
		return c.n, nil
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}
