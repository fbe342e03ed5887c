package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.jpl.nasa.gov/bdube/usbtmc"
	"github.jpl.nasa.gov/bdube/usbtmc/config"
)

// ConfigFileName mirrors the teacher's per-tool config file convention.
var ConfigFileName = "usbtmcctl.yml"

func root() {
	str := `usbtmcctl opens a USBTMC resource and runs a single operation against it.

Usage:
	usbtmcctl <command> [args]

Commands:
	idn <resource>            send *IDN? and print the reply
	write <resource> <scpi>   send a command with no reply expected
	ask <resource> <scpi>     send a command and print the reply
	clear <resource>          issue a device clear
	mkconf                    write a default usbtmcctl.yml
	help                      show this message`
	fmt.Println(str)
}

func openWithConfig(resource string) (*usbtmc.Session, error) {
	r, err := usbtmc.ParseResource(resource)
	if err != nil {
		return nil, err
	}
	s, err := usbtmc.Open(r.VID, r.PID, r.Serial)
	if err != nil {
		return nil, err
	}

	c, err := config.Load(ConfigFileName)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := c.DefaultsFor(r.VID, r.PID).Apply(s); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func idn(resource string) {
	s, err := openWithConfig(resource)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	reply, err := s.Ask("*IDN?", 0)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(reply)
}

func write(resource, scpi string) {
	s, err := openWithConfig(resource)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	if err := s.Write(scpi); err != nil {
		log.Fatal(err)
	}
}

func ask(resource, scpi string) {
	s, err := openWithConfig(resource)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	reply, err := s.Ask(scpi, 0)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(reply)
}

func clear(resource string) {
	s, err := openWithConfig(resource)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	if err := s.Clear(); err != nil {
		log.Fatal(err)
	}
}

func mkconf() {
	// A single templated entry shows the expected shape; real vid/pid keys
	// get added by hand afterward.
	c := config.Default()
	c.Devices[config.Key(0, 0)] = config.DeviceDefaults{
		TimeoutMS:       5000,
		MaxTransferSize: usbtmc.DefaultMaxTransferSize,
	}
	if err := config.Write(ConfigFileName, c); err != nil {
		log.Fatal(err)
	}
}

func main() {
	args := os.Args
	if len(args) < 2 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		root()
	case "mkconf":
		mkconf()
	case "idn":
		requireArgs(args, 3, "idn <resource>")
		idn(args[2])
	case "write":
		requireArgs(args, 4, "write <resource> <scpi>")
		write(args[2], strings.Join(args[3:], " "))
	case "ask":
		requireArgs(args, 4, "ask <resource> <scpi>")
		ask(args[2], strings.Join(args[3:], " "))
	case "clear":
		requireArgs(args, 3, "clear <resource>")
		clear(args[2])
	default:
		log.Fatalf("unknown command %q", cmd)
	}
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		log.Fatalf("usage: usbtmcctl %s", usage)
	}
}
