package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

var (
	addr    string
	token   string
	timeout time.Duration
)

func init() {
	flag.StringVar(&addr, "addr", "http://localhost:3200/status/tracemanager", "tracemanager status page to fetch")
	flag.StringVar(&token, "token", "", "bearer token, if the status page requires one")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
}

func main() {
	flag.Parse()

	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequest(http.MethodGet, addr, nil)
	if err != nil {
		fmt.Println("error building request, err:", err)
		os.Exit(1)
	}
	if len(token) > 0 {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		fmt.Println("error fetching status, err:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Println("error reading response, err:", err)
		os.Exit(1)
	}

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("tracemanager returned %s\n%s\n", resp.Status, string(body))
		os.Exit(1)
	}

	fmt.Println(string(body))
}
