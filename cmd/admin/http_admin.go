package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// httpCmd forwards a command to a running server's admin API. schedule
// takes the JSON request body as its argument.
func httpCmd(name string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	method := http.MethodPost
	var body io.Reader
	switch name {
	case "status":
		method = http.MethodGet
	case "schedule":
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, `usage: admin schedule [-url U] '{"world":"overworld","center":[0,0],"radius":4}'`)
			os.Exit(2)
		}
		body = strings.NewReader(fs.Arg(0))
	}

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/" + name
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(2)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
