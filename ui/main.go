package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pinsetter/pinsetter"
	"github.com/pinsetter/pinsetter/mongodb"
	"github.com/pinsetter/pinsetter/mysql"
	"github.com/pinsetter/pinsetter/ui/server"
)

func main() {
	const (
		exampleDBURL = "root@tcp(127.0.0.1:3306)/pinsetter?loc=UTC&parseTime=true"
	)
	var (
		addr    = flag.String("addr", "127.0.0.1:12345", "HTTP bind address")
		dbtype  = flag.String("dbtype", "mysql", "Storage type (memory, mysql or mongodb)")
		dburl   = flag.String("dburl", "", "MySQL dsn for persistent storage, e.g. "+exampleDBURL)
		dbdebug = flag.Bool("dbdebug", false, "Enabled debug output for DB store")
	)
	flag.Parse()

	// Initialize the store
	var err error
	var store pinsetter.Store
	switch *dbtype {
	case "mysql":
		if *dburl == "" {
			log.Fatal("specify a database connection string with -dburl like e.g. " + exampleDBURL)
		}
		var dboptions []mysql.StoreOption
		if *dbdebug {
			dboptions = append(dboptions, mysql.SetDebug(true))
		}
		store, err = mysql.NewStore(*dburl, dboptions...)
	case "mongodb":
		if *dburl == "" {
			log.Fatal("specify a database connection string with -dburl")
		}
		var dboptions []mongodb.StoreOption
		store, err = mongodb.NewStore(*dburl, dboptions...)
	case "memory":
		store = pinsetter.NewInMemoryStore()
	default:
		log.Fatal("unsupported dbtype; use memory, mysql or mongodb")
	}
	if err != nil {
		log.Fatal(err)
	}

	errc := make(chan error, 1)

	go func() {
		log.Printf("web server listening on %v", *addr)
		s := server.New(store)
		errc <- s.Serve(*addr)
	}()

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("recv signal %v", fmt.Sprint(<-c))
		errc <- nil
	}()

	if err := <-errc; err != nil {
		log.Printf("exit with error %v", err)
		os.Exit(1)
	}
}
