// Command tftpc is a minimal command-line TFTP client wrapping
// internal/testclient, kept around as a manual smoke-test tool for
// tftpd.
package main

import (
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/eahydra/tftpd/internal/testclient"
)

func main() {
	var (
		get      bool
		put      bool
		srcFile  string
		destFile string
		addr     string
		blksize  int
	)

	flag.StringVar(&addr, "addr", "", "remote server address, host:port")
	flag.StringVar(&srcFile, "src", "", "source file name")
	flag.StringVar(&destFile, "dst", "", "destination file name")
	flag.BoolVar(&get, "get", false, "download src from the server")
	flag.BoolVar(&put, "put", false, "upload src to the server as dst")
	flag.IntVar(&blksize, "blksize", 0, "request this block size (0 omits the option)")
	flag.Parse()

	if addr == "" {
		fmt.Fprintln(os.Stderr, "tftpc: --addr is required")
		os.Exit(1)
	}

	client, err := testclient.NewClient(addr, 3*time.Second, 3)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tftpc:", err)
		os.Exit(1)
	}
	defer client.Close()

	var opts map[string]string
	if blksize > 0 {
		opts = map[string]string{"blksize": fmt.Sprintf("%d", blksize)}
	}

	switch {
	case get:
		if srcFile == "" {
			fmt.Fprintln(os.Stderr, "tftpc: --src is required with --get")
			os.Exit(1)
		}
		f, err := os.OpenFile(srcFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "tftpc:", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := client.Get(srcFile, f, opts); err != nil {
			fmt.Fprintln(os.Stderr, "tftpc:", err)
			os.Exit(1)
		}
	case put:
		if srcFile == "" || destFile == "" {
			fmt.Fprintln(os.Stderr, "tftpc: --src and --dst are required with --put")
			os.Exit(1)
		}
		f, err := os.Open(srcFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "tftpc:", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := client.Put(destFile, f, opts); err != nil {
			fmt.Fprintln(os.Stderr, "tftpc:", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "tftpc: specify --get or --put")
		os.Exit(1)
	}
}
